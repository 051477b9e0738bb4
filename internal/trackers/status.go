package trackers

import "fmt"

// Status is the aggregate health of a tracker as reported by the
// status provider for the most recent measurement window.
type Status int

const (
	StatusOnline   Status = iota // perfect response over the measurement window
	StatusUnstable               // intermittent responses
	StatusOffline                // no response
)

// API status codes used by trackerstatus.info.
const (
	apiCodeOffline  = 0
	apiCodeOnline   = 1
	apiCodeUnstable = 2
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusUnstable:
		return "unstable"
	case StatusOffline:
		return "offline"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Notifiable reports whether s participates in alerting. Transitions are
// only announced between notifiable states; unstable is tracked but never
// alerted on, so an online -> unstable -> online flap stays silent.
func (s Status) Notifiable() bool {
	return s == StatusOnline || s == StatusOffline
}

func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusUnstable || s == StatusOffline
}

// ParseStatus parses the stored string form produced by Status.String.
func ParseStatus(raw string) (Status, error) {
	switch raw {
	case "online":
		return StatusOnline, nil
	case "unstable":
		return StatusUnstable, nil
	case "offline":
		return StatusOffline, nil
	default:
		return 0, fmt.Errorf("unknown status %q", raw)
	}
}

// FromAPICode maps a trackerstatus.info status code to a Status.
func FromAPICode(code int) (Status, error) {
	switch code {
	case apiCodeOnline:
		return StatusOnline, nil
	case apiCodeUnstable:
		return StatusUnstable, nil
	case apiCodeOffline:
		return StatusOffline, nil
	default:
		return 0, fmt.Errorf("unknown api status code %d", code)
	}
}
