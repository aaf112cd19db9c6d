package loader

// Status is the outcome of a Load attempt.
type Status int

const (
	StatusUnknown Status = iota
	StatusResolved
	StatusManagerUnavailable
	StatusIncompatibleManager
	StatusInstallRequested
	StatusInstallRejected
	StatusInstallThrottled
)

var statusNames = map[Status]string{
	StatusUnknown:             "unknown",
	StatusResolved:            "resolved",
	StatusManagerUnavailable:  "manager_unavailable",
	StatusIncompatibleManager: "incompatible_manager",
	StatusInstallRequested:    "install_requested",
	StatusInstallRejected:     "install_rejected",
	StatusInstallThrottled:    "install_throttled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return statusNames[StatusUnknown]
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result describes a Load attempt.
type Result struct {
	AttemptID     string   `json:"attemptId"`
	Requested     string   `json:"requested"`
	Version       string   `json:"version,omitempty"`
	Status        Status   `json:"status"`
	EngineVersion int      `json:"engineVersion"`
	Path          string   `json:"path,omitempty"`
	Libraries     []string `json:"libraries,omitempty"`
}

// Ready reports whether the libraries can be loaded from Path.
func (r Result) Ready() bool {
	return r.Status == StatusResolved
}
