// Package payload extracts typed values from the JSON-like payloads carried by
// transaction-log events, e.g. {"cores":[4,"cores"],"memory":[1024,"MB"]}.
//
// Every value is a [value, unit] pair; only the value is used. Parsers are
// tolerant: missing fields keep their zero value and are reported through a
// *ParseError alongside the partially filled result.
package payload

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoPayload is returned when the text carries no JSON object.
var ErrNoPayload = errors.New("no payload")

// maxCount bounds core and gpu counts; anything larger is a corrupt value.
const maxCount = 1 << 16

// ParseError describes a payload that was only partly usable.
type ParseError struct {
	Payload    string
	Missing    []string
	OutOfRange []string
	Invalid    bool
}

func (e *ParseError) Error() string {
	if e.Invalid {
		return fmt.Sprintf("invalid payload %q", truncate(e.Payload))
	}
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ","))
	}
	if len(e.OutOfRange) > 0 {
		parts = append(parts, "out of range "+strings.Join(e.OutOfRange, ","))
	}
	return "payload " + strings.Join(parts, ", ")
}

// Resources is the resource request carried by TASK READY events.
type Resources struct {
	Cores    int
	GPUs     int
	MemoryMB float64
	DiskMB   float64
}

// Commit is carried by TASK RUNNING events.
type Commit struct {
	Resources
	TimeCommitStart float64
	TimeCommitEnd   float64
	SizeInputMgr    float64
}

// Retrieval is carried by TASK RETRIEVED events.
type Retrieval struct {
	TimeWorkerStart float64
	TimeWorkerEnd   float64
	SizeOutputMgr   float64
}

// Capacity is carried by WORKER RESOURCES events.
type Capacity struct {
	Cores    int
	MemoryMB float64
	DiskMB   float64
}

// Extract returns the JSON object embedded in text, starting at the first '{'.
func Extract(text string) (string, error) {
	i := strings.IndexByte(text, '{')
	if i < 0 {
		return "", ErrNoPayload
	}
	raw := strings.TrimSpace(text[i:])
	if !gjson.Valid(raw) {
		return raw, &ParseError{Payload: raw, Invalid: true}
	}
	return raw, nil
}

type fields struct {
	raw        string
	missing    []string
	outOfRange []string
}

func (f *fields) number(name string, required bool) float64 {
	r := gjson.Get(f.raw, name+".0")
	if !r.Exists() {
		// Some producers emit bare numbers instead of [value, unit].
		r = gjson.Get(f.raw, name)
	}
	if !r.Exists() || (r.Type != gjson.Number && r.Type != gjson.String) {
		if required {
			f.missing = append(f.missing, name)
		}
		return 0
	}
	return r.Float()
}

// count reads a non-negative integer field. Negative, non-finite or
// implausibly large values are reported and read as 0.
func (f *fields) count(name string, required bool) int {
	v := f.number(name, required)
	if math.IsNaN(v) || v < 0 || v > maxCount {
		f.outOfRange = append(f.outOfRange, name)
		return 0
	}
	return int(v)
}

func (f *fields) err() error {
	if len(f.missing) == 0 && len(f.outOfRange) == 0 {
		return nil
	}
	return &ParseError{Payload: f.raw, Missing: f.missing, OutOfRange: f.outOfRange}
}

func parse(text string) (*fields, error) {
	raw, err := Extract(text)
	if err != nil {
		return nil, err
	}
	return &fields{raw: raw}, nil
}

func resources(f *fields) Resources {
	return Resources{
		Cores:    f.count("cores", false),
		GPUs:     f.count("gpus", false),
		MemoryMB: f.number("memory", false),
		DiskMB:   f.number("disk", false),
	}
}

// ParseResources parses a resource request. A request of 0 cores means 1.
func ParseResources(text string) (Resources, error) {
	f, err := parse(text)
	if err != nil {
		return Resources{Cores: 1}, err
	}
	res := resources(f)
	if res.Cores <= 0 {
		res.Cores = 1
	}
	return res, f.err()
}

// ParseCommit parses a dispatch payload. The commit window and input size are
// required; resource fields are optional.
func ParseCommit(text string) (Commit, error) {
	f, err := parse(text)
	if err != nil {
		return Commit{}, err
	}
	c := Commit{
		Resources:       resources(f),
		TimeCommitStart: f.number("time_commit_start", true),
		TimeCommitEnd:   f.number("time_commit_end", true),
		SizeInputMgr:    f.number("size_input_mgr", true),
	}
	return c, f.err()
}

// ParseRetrieval parses a retrieval payload.
func ParseRetrieval(text string) (Retrieval, error) {
	f, err := parse(text)
	if err != nil {
		return Retrieval{}, err
	}
	r := Retrieval{
		TimeWorkerStart: f.number("time_worker_start", true),
		TimeWorkerEnd:   f.number("time_worker_end", true),
		SizeOutputMgr:   f.number("size_output_mgr", false),
	}
	return r, f.err()
}

// ParseCapacity parses a worker resource report.
func ParseCapacity(text string) (Capacity, error) {
	f, err := parse(text)
	if err != nil {
		return Capacity{}, err
	}
	c := Capacity{
		Cores:    f.count("cores", true),
		MemoryMB: f.number("memory", false),
		DiskMB:   f.number("disk", false),
	}
	return c, f.err()
}

func truncate(s string) string {
	const limit = 80
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
