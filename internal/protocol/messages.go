package protocol

import "time"

// TextUnit is one size-bounded piece of text awaiting synthesis.
type TextUnit struct {
	Epoch uint64 `json:"epoch"`
	ID    int    `json:"id"`
	SubID int    `json:"sub_id,omitempty"`
	Text  string `json:"text"`
}

// AudioFragment is the synthesized waveform for exactly one TextUnit.
type AudioFragment struct {
	Epoch   uint64    `json:"epoch"`
	ID      int       `json:"id"`
	SubID   int       `json:"sub_id,omitempty"`
	Samples []float32 `json:"samples"`
}

// Key orders fragments within a response.
type Key struct {
	ID    int
	SubID int
}

func (u TextUnit) Key() Key      { return Key{ID: u.ID, SubID: u.SubID} }
func (f AudioFragment) Key() Key { return Key{ID: f.ID, SubID: f.SubID} }

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	if k.ID != other.ID {
		return k.ID < other.ID
	}
	return k.SubID < other.SubID
}

// SynthBatch is the broker's request to synthesize a dispatched batch.
// Acquired is the capacity reserved for it and must be echoed back on delivery.
type SynthBatch struct {
	BatchID  string     `json:"batch_id"`
	Epoch    uint64     `json:"epoch"`
	Acquired int        `json:"acquired"`
	Units    []TextUnit `json:"units"`
	TraceID  string     `json:"trace_id,omitempty"`
}

// UnitFailure reports a unit whose synthesis failed after retries.
type UnitFailure struct {
	ID    int    `json:"id"`
	SubID int    `json:"sub_id,omitempty"`
	Error string `json:"error"`
}

// FragmentDelivery carries a completed batch back to the broker.
type FragmentDelivery struct {
	BatchID   string          `json:"batch_id"`
	Epoch     uint64          `json:"epoch"`
	Acquired  int             `json:"acquired"`
	Fragments []AudioFragment `json:"fragments"`
	Failed    []UnitFailure   `json:"failed,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TextSubmission is a whole sentence from the stream driver; the broker splits it.
type TextSubmission struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// Reply statuses shared by every request/reply subject.
const (
	StatusAccepted   = "accepted"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Ack is the generic reply envelope.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ResponseStatus reports whether the spoken response is assembled.
type ResponseStatus struct {
	Status    string    `json:"status"`
	Epoch     uint64    `json:"epoch"`
	Pending   int       `json:"pending"`
	Active    int       `json:"active"`
	Fragments int       `json:"fragments"`
	Degraded  bool      `json:"degraded,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SaveResult reports a finalized artifact.
type SaveResult struct {
	Status   string `json:"status"`
	Path     string `json:"path,omitempty"`
	Samples  int    `json:"samples,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Message  string `json:"message,omitempty"`
}

const (
	SubjectSynthBatch   = "speak.synth.batch"
	SubjectAudioDeliver = "speak.audio.deliver"
	SubjectTextSubmit   = "speak.text.submit"
	SubjectStatus       = "speak.status"
	SubjectSave         = "speak.save"
	SubjectReset        = "speak.reset"
)
