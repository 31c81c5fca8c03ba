package harness

// Delivery is one event a subscriber received during a step.
type Delivery struct {
	Event    string `json:"event"` // "delta", "cursor" or "cursor_leave"
	Cell     string `json:"cell,omitempty"`
	Display  string `json:"display,omitempty"`
	Revision int64  `json:"revision,omitempty"`
	User     string `json:"user,omitempty"`
	Color    string `json:"color,omitempty"`
}

// TraceEvent records one step and what every subscriber saw because of it.
type TraceEvent struct {
	Step     int    `json:"step"`
	Op       string `json:"op"` // "join", "leave", "set", "cursor" or "parallel"
	Actor    string `json:"actor,omitempty"`
	Cell     string `json:"cell,omitempty"`
	Value    string `json:"value,omitempty"`
	Revision int64  `json:"revision,omitempty"`
	Error    string `json:"error,omitempty"`

	// Applied and Rejected count the writes of a parallel step.
	Applied  int `json:"applied,omitempty"`
	Rejected int `json:"rejected,omitempty"`

	// Delivered maps subscriber actor ID to the events it drained after
	// the step. Omitted for parallel steps, whose order is not fixed.
	Delivered map[string][]Delivery `json:"delivered,omitempty"`
}

// FinalCell is a cell of the broker grid after the last step.
type FinalCell struct {
	Cell     string `json:"cell"`
	Raw      string `json:"raw"`
	Display  string `json:"display"`
	Revision int64  `json:"revision"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per step, initial joins included.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed expectation or assertion.
	Errors []string `json:"errors,omitempty"`

	// Revision and Cells are the broker's state after the last step.
	Revision int64       `json:"revision"`
	Cells    []FinalCell `json:"cells"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Cells:  []FinalCell{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
