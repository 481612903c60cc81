package dto

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
)

// ErrUnknownTopic is returned for payloads arriving on a topic outside
// the choreography
var ErrUnknownTopic = errors.New("unknown topic")

// Envelope is the single event record handed to the coordinator: the
// event tag, the partner the event belongs to, and the raw payload.
type Envelope struct {
	Event     domain.EventType
	PartnerID string
	Payload   json.RawMessage
	// Fields holds the decoded JSON object, nil when the payload was
	// not an object
	Fields map[string]interface{}
	// Fallback marks payloads that failed strict JSON decoding and
	// were recovered leniently
	Fallback bool
}

// Decode turns a raw delivery into an Envelope. Payloads that are not
// valid JSON are not dropped: the bytes are cleaned of non-printable
// characters, a stray leading 'H' framing byte is removed, and the
// remainder is treated as a bare partner id.
func Decode(topic string, payload []byte) (*Envelope, error) {
	env := &Envelope{Payload: append(json.RawMessage(nil), payload...)}

	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err == nil {
		switch v := decoded.(type) {
		case map[string]interface{}:
			env.Fields = v
			env.PartnerID = extractPartnerID(v)
		default:
			// Valid JSON but not an object: its string form is the
			// partner id
			env.PartnerID = strings.TrimSpace(fmt.Sprintf("%v", v))
		}
	} else {
		env.Fallback = true
		env.PartnerID = recoverPartnerID(payload)
	}

	event, ok := eventForTopic(topic, env.Fields)
	if !ok {
		return env, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	env.Event = event

	return env, nil
}

// eventForTopic maps a topic to the event tag it carries. The
// partner-created and contract-created topics each carry a failure
// variant distinguished by a non-empty error_message field.
func eventForTopic(topic string, fields map[string]interface{}) (domain.EventType, bool) {
	switch topic {
	case TopicCreatePartnerCommand:
		return domain.EventCreatePartnerCommand, true
	case TopicPartnerCreated:
		if hasErrorMessage(fields) {
			return domain.EventPartnerCreationFailed, true
		}
		return domain.EventPartnerCreated, true
	case TopicContractCreated:
		if hasErrorMessage(fields) {
			return domain.EventContractCreationFailed, true
		}
		return domain.EventContractCreated, true
	case TopicContractApproved:
		return domain.EventContractApproved, true
	case TopicContractRejected:
		return domain.EventContractRejected, true
	case TopicContractRevision:
		return domain.EventContractRevisionRequested, true
	default:
		return "", false
	}
}

func hasErrorMessage(fields map[string]interface{}) bool {
	if fields == nil {
		return false
	}
	msg, ok := fields["error_message"].(string)
	return ok && msg != ""
}

func extractPartnerID(fields map[string]interface{}) string {
	v, ok := fields["partner_id"]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}

// recoverPartnerID cleans a non-JSON payload down to a usable partner id
func recoverPartnerID(payload []byte) string {
	var b strings.Builder
	for _, r := range string(payload) {
		if r == utf8.RuneError || !unicode.IsPrint(r) {
			continue
		}
		b.WriteRune(r)
	}

	cleaned := b.String()
	if len(cleaned) > 0 && cleaned[0] == 'H' {
		cleaned = cleaned[1:]
	}

	return strings.TrimSpace(cleaned)
}

var uuidPattern = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// NormalizePartnerID repairs partner ids mangled in transit. Ids
// containing separator noise or longer than 200 characters are reduced
// to an embedded UUID when one exists, and truncated to 50 characters
// otherwise.
func NormalizePartnerID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		return ""
	}

	if !strings.ContainsAny(id, " @+,") && len(id) <= 200 {
		return id
	}

	if m := uuidPattern.FindString(id); m != "" {
		return m
	}

	if len(id) > 50 {
		id = id[:50]
	}
	return id
}

// TempPartnerID issues a correlation id for commands that carry no
// partner yet
func TempPartnerID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "temp-" + hex[:8]
}
