package notify

import "encoding/json"

// Message types of the duplex connection.
const (
	TypeSubscribeJob   = "subscribe_job"
	TypeUnsubscribeJob = "unsubscribe_job"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeJobChange      = "job_change"
	TypeConnected      = "connected"
	TypeSubscribed     = "subscribed"
	TypeUnsubscribed   = "unsubscribed"
	TypeError          = "error"
)

// Envelope is the single message shape in both directions.
type Envelope struct {
	Type  string          `json:"type"`
	JobID string          `json:"jobId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with data encoded as JSON.
func NewEnvelope(typ, jobID string, data interface{}) (Envelope, error) {
	env := Envelope{Type: typ, JobID: jobID}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

func errorEnvelope(jobID, message string) Envelope {
	env, _ := NewEnvelope(TypeError, jobID, map[string]string{"message": message})
	return env
}
