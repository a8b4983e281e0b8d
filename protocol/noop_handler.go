package protocol

// NoOpHandler implements EventHandler with no-op methods.
// Embed this and override only the methods you need.
type NoOpHandler struct{}

func (NoOpHandler) HandleJoin(string)                 {}
func (NoOpHandler) HandleUpdateRequest(string, string, int64) {}

// Compile-time check that NoOpHandler implements EventHandler.
var _ EventHandler = NoOpHandler{}
