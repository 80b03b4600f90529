// Package message defines the envelope every RPC request and response travels in.
package message

// Message is encoded by a codec and carried as the body of a protocol frame.
//
// On a request Method names the target as "Service.Method" and Payload holds the
// JSON encoded arguments. On a response Payload holds the JSON encoded reply;
// a failed call carries a non-empty Code and Error instead.
type Message struct {
	Method  string
	Code    string
	Error   string
	Payload []byte
}

// Failed reports whether m describes a failed call.
func (m *Message) Failed() bool {
	return m.Code != "" || m.Error != ""
}
