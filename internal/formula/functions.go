package formula

// functions maps upper-cased names to their implementations. Every function
// takes at least one argument; the parser rejects empty calls.
var functions = map[string]func(args []float64) (float64, ErrorCode){
	"SUM":     sum,
	"AVERAGE": average,
	"MAX":     maxOf,
	"MIN":     minOf,
}

func sum(args []float64) (float64, ErrorCode) {
	total := 0.0
	for _, v := range args {
		total += v
	}
	return total, ""
}

func average(args []float64) (float64, ErrorCode) {
	if len(args) == 0 {
		return 0, ErrDivZero
	}
	total, _ := sum(args)
	return total / float64(len(args)), ""
}

func maxOf(args []float64) (float64, ErrorCode) {
	if len(args) == 0 {
		return 0, ErrSyntax
	}
	m := args[0]
	for _, v := range args[1:] {
		m = max(m, v)
	}
	return m, ""
}

func minOf(args []float64) (float64, ErrorCode) {
	if len(args) == 0 {
		return 0, ErrSyntax
	}
	m := args[0]
	for _, v := range args[1:] {
		m = min(m, v)
	}
	return m, ""
}
