package protocol

import (
	"strconv"
	"strings"
)

// weightSlots is the fixed width of the firmware's weight vector. Only
// slot 0 is in use; the other nine are reserved for future sensor
// features and must be sent as literal zeros.
const weightSlots = 10

// BuildWeightLine renders fitted parameters as the weight-load command:
//
//	W:<w0>,<w1>,...,<w9>,<bias>
//
// Exactly eleven comma-separated fields after the prefix, each at six
// decimal places. Field count, order and precision are a wire contract
// with the firmware and must not change.
func BuildWeightLine(w, b float64) string {
	fields := make([]string, 0, weightSlots+1)
	fields = append(fields, strconv.FormatFloat(w, 'f', 6, 64))
	for i := 1; i < weightSlots; i++ {
		fields = append(fields, "0.000000")
	}
	fields = append(fields, strconv.FormatFloat(b, 'f', 6, 64))
	return WeightPrefix + strings.Join(fields, ",")
}
