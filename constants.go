package jsonproc

const (
	StatusOK              = 200
	StatusClientError     = 400
	StatusRequestTimeout  = 408
	StatusTooManyRequests = 429
	StatusServerError     = 500
	StatusUnavailable     = 503

	// DefaultQoS is the MQTT quality of service used by the hosts.
	DefaultQoS = 0
)

// RequestType is the `type` discriminator of a request. It selects the family
// of operations that handles the request.
type RequestType string

const (
	TypeMath RequestType = "math"
	TypeText RequestType = "text"
	TypeData RequestType = "data"
	TypeEcho RequestType = "echo"
)

// RequestTypes lists every known request type in the order they are reported
// back to callers.
var RequestTypes = []RequestType{TypeMath, TypeText, TypeData, TypeEcho}

// ParseRequestType returns the RequestType named by s and whether it is known.
func ParseRequestType(s string) (RequestType, bool) {
	switch RequestType(s) {
	case TypeMath, TypeText, TypeData, TypeEcho:
		return RequestType(s), true
	default:
		return "", false
	}
}

func requestTypeNames() []string {
	names := make([]string, 0, len(RequestTypes))
	for _, t := range RequestTypes {
		names = append(names, string(t))
	}
	return names
}
