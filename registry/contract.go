package registry

// Wire contract of the discovery service's RegistrationService.
const (
	ServiceName = "RegistrationService"

	MethodRegister   = ServiceName + ".RegisterService"
	MethodDeregister = ServiceName + ".DeregisterService"
	MethodStatus     = ServiceName + ".UpdateServiceStatus"
	MethodHeartbeat  = ServiceName + ".UpdateServiceHeartbeat"
)

type RegisterArgs struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DeregisterArgs carries the name twice: older registry builds read
// service_name, newer ones read name.
type DeregisterArgs struct {
	Name        string `json:"name"`
	ServiceName string `json:"service_name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
}

type StatusArgs struct {
	ServiceName string `json:"service_name"`
	Port        int    `json:"port"`
	Load        int64  `json:"load"`
}

type HeartbeatArgs struct {
	ServiceName string `json:"service_name"`
	Port        int    `json:"port"`
}

// Ack is the registry's empty acknowledgement. A non-empty Error means the
// registry refused the call.
type Ack struct {
	Error string `json:"error,omitempty"`
}
