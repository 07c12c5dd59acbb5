package pipeline

// ChatTurn pairs one transcribed utterance with its accumulating reply
type ChatTurn struct {
	ID       string
	Prompt   string
	Reply    string
	Backend  string
	Complete bool
	Err      error // Set when the reply ended on a transport failure
}

// UiUpdate is the cumulative state of a turn after one delta, or its final state
type UiUpdate struct {
	TurnID  string
	Epoch   uint64
	Prompt  string
	Reply   string
	IsFinal bool
	Err     error
}

func (t *ChatTurn) update(epoch uint64) UiUpdate {
	return UiUpdate{
		TurnID:  t.ID,
		Epoch:   epoch,
		Prompt:  t.Prompt,
		Reply:   t.Reply,
		IsFinal: t.Complete,
		Err:     t.Err,
	}
}

var closedUpdates = func() chan UiUpdate {
	ch := make(chan UiUpdate)
	close(ch)
	return ch
}()

// Sink receives updates in order
type Sink interface {
	Publish(UiUpdate)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(UiUpdate)

// Publish implements Sink
func (f SinkFunc) Publish(u UiUpdate) {
	f(u)
}

// Drain publishes every update of ch to sink until ch is closed
func Drain(ch <-chan UiUpdate, sink Sink) {
	for u := range ch {
		sink.Publish(u)
	}
}
