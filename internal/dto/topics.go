package dto

// Topic names of the onboarding choreography
const (
	TopicCreatePartnerCommand = "create-partner-command"
	TopicPartnerCreated       = "partner-created"
	TopicContractCreated      = "contract-created"
	TopicContractApproved     = "contract-approved"
	TopicContractRejected     = "contract-rejected"
	TopicContractRevision     = "contract-revision"
)

// CoordinatorTopics lists the topics the saga coordinator consumes, in
// the order their consumer loops are started
func CoordinatorTopics() []string {
	return []string{
		TopicCreatePartnerCommand,
		TopicPartnerCreated,
		TopicContractCreated,
		TopicContractApproved,
		TopicContractRejected,
	}
}

// SubscriptionName builds the shared subscription name for a topic
func SubscriptionName(prefix, topic string) string {
	return prefix + "-" + topic
}
