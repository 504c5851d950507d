package mail

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nimburion/sharedqueue/pkg/jobs"
)

// KindSend is the job kind of a queued mail.
const KindSend jobs.Kind = "mail.send"

// ErrInvalidMessage classifies messages rejected by the schema.
var ErrInvalidMessage = errors.New("invalid mail message")

// Message is the payload of a mail.send job.
type Message struct {
	To      string `json:"to" jsonschema:"recipient address"`
	Subject string `json:"sub" jsonschema:"subject line"`
	Body    string `json:"body" jsonschema:"plain text body"`
}

var messageSchema = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	schema, err := jsonschema.ForType(reflect.TypeOf(Message{}), &jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("build mail schema: %w", err)
	}
	minOne := 1
	schema.Properties["to"].Pattern = `^[^@\s]+@[^@\s]+$`
	schema.Properties["sub"].MinLength = &minOne
	return schema.Resolve(nil)
})

// Validate checks m against the mail.send payload schema.
func (m Message) Validate() error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return validatePayload(encoded)
}

// Decode reads and validates the payload of a mail.send job.
func Decode(job *jobs.Job) (Message, error) {
	if err := validatePayload(job.Payload); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := job.Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func validatePayload(payload []byte) error {
	resolved, err := messageSchema()
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
