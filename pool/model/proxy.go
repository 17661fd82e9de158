package model

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"
)

// State is the health state of a proxy record.
type State int

const (
	StateCandidate State = iota // observed by a source, never probed successfully
	StateWorking                // passed its most recent probe run
	StateDegraded               // failing, but not yet written off
	StateDead                   // failure run reached the dead threshold
)

var stateNames = map[State]string{
	StateCandidate: "candidate",
	StateWorking:   "working",
	StateDegraded:  "degraded",
	StateDead:      "dead",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st, name := range stateNames {
		if name == s {
			return st, nil
		}
	}
	return StateCandidate, fmt.Errorf("unknown proxy state %q", s)
}

// MarshalText implements encoding.TextMarshaler so states serialize as their
// names in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(data []byte) error {
	st, err := ParseState(string(data))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ProxyAddress identifies one proxy endpoint. It is a value type; records are
// keyed by its canonical host:port form.
type ProxyAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a ProxyAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses a host:port string into a ProxyAddress.
func ParseAddress(s string) (ProxyAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return ProxyAddress{}, fmt.Errorf("invalid proxy address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return ProxyAddress{}, fmt.Errorf("invalid port in proxy address %q", s)
	}
	return ProxyAddress{Host: host, Port: port}, nil
}

// Candidate is a deduplicated fetch result handed to the ingestion path.
// Sources holds every source tag that reported the address in this cycle.
type Candidate struct {
	Address  ProxyAddress
	Sources  []string
	Protocol string // scraped protocol hint: "http" or "socks5"
}

// ProbeTarget is one unit of work for the validator.
type ProbeTarget struct {
	Address  ProxyAddress
	Protocol string
}

// Verdict is the ephemeral result of a single connectivity probe.
type Verdict struct {
	Address ProxyAddress
	Success bool
	Latency time.Duration
	Err     error
}

// ProxyRecord is the authoritative per-address health record. It is owned by
// the pool store; everything handed outward is a clone.
type ProxyRecord struct {
	Address  ProxyAddress `json:"address"`
	Sources  []string     `json:"sources"`
	Protocol string       `json:"protocol"`
	State    State        `json:"state"`

	// Successes and Failures are consecutive runs; at most one of them is
	// non-zero at any time.
	Successes int `json:"successes"`
	Failures  int `json:"failures"`

	LastLatency time.Duration `json:"last_latency"` // 0 means unknown
	AvgLatency  time.Duration `json:"avg_latency"`  // rolling average, 0 means unknown

	LastCheckedAt     time.Time `json:"last_checked_at"`
	LastStateChangeAt time.Time `json:"last_state_change_at"`
}

// NewRecord creates a fresh Candidate record for a first-seen address.
func NewRecord(addr ProxyAddress, sources []string, protocol string) *ProxyRecord {
	tags := slices.Clone(sources)
	slices.Sort(tags)
	return &ProxyRecord{
		Address:           addr,
		Sources:           tags,
		Protocol:          protocol,
		State:             StateCandidate,
		LastStateChangeAt: time.Now().UTC(),
	}
}

// AddSources unions the given tags into the record's source set.
func (r *ProxyRecord) AddSources(tags []string) {
	changed := false
	for _, tag := range tags {
		if tag == "" || slices.Contains(r.Sources, tag) {
			continue
		}
		r.Sources = append(r.Sources, tag)
		changed = true
	}
	if changed {
		slices.Sort(r.Sources)
	}
}

// Clone returns a deep copy safe to hand outside the store.
func (r *ProxyRecord) Clone() *ProxyRecord {
	c := *r
	c.Sources = slices.Clone(r.Sources)
	return &c
}

// PoolSnapshot is an immutable point-in-time copy of every record.
type PoolSnapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Records []*ProxyRecord `json:"records"`
}
