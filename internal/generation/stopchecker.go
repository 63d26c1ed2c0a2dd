package generation

import "strings"

// StopChecker implements the stop-string algorithm from §4.3: a yielded
// chunk never contains any configured stop string, and a stop string split
// across several token-decoded chunks is still detected before it reaches
// the caller.
type StopChecker struct {
	stops  []string
	buffer strings.Builder
}

// NewStopChecker builds a checker for the given stop strings. Empty strings
// are ignored (an empty stop would match everything immediately).
func NewStopChecker(stops []string) *StopChecker {
	filtered := make([]string, 0, len(stops))
	for _, s := range stops {
		if s != "" {
			filtered = append(filtered, s)
		}
	}
	return &StopChecker{stops: filtered}
}

// Feed offers the next decoded text chunk to the checker.
//
//   - matched=true: the buffer plus chunk contains a full stop string. The
//     caller must stop generation and yield nothing further; emit is empty.
//   - matched=false, emit!="": the combined text up to (but excluding) any
//     partial trailing stop-string match is safe to send to the client.
//   - matched=false, emit=="": the combined text is a proper prefix of some
//     stop string; it is withheld in the internal buffer and nothing is
//     yielded this step.
func (c *StopChecker) Feed(chunk string) (emit string, matched bool) {
	combined := c.buffer.String() + chunk

	for _, stop := range c.stops {
		if strings.Contains(combined, stop) {
			c.buffer.Reset()
			return "", true
		}
	}

	// Find the longest suffix of combined that is a proper prefix of any
	// stop string — that suffix must be withheld since a future chunk
	// could complete the stop string.
	withholdFrom := len(combined)
	for _, stop := range c.stops {
		max := len(stop) - 1
		if max > len(combined) {
			max = len(combined)
		}
		for n := max; n > 0; n-- {
			suffix := combined[len(combined)-n:]
			if strings.HasPrefix(stop, suffix) {
				if len(combined)-n < withholdFrom {
					withholdFrom = len(combined) - n
				}
				break
			}
		}
	}

	c.buffer.Reset()
	if withholdFrom < len(combined) {
		c.buffer.WriteString(combined[withholdFrom:])
	}
	return combined[:withholdFrom], false
}

// Flush returns any text still withheld in the buffer — emitted by the
// generation loop when generation ends by EOS or max tokens, so withheld
// text that turned out not to precede a stop string is not silently
// dropped. After a stop match the buffer is already empty; after an
// interrupt the loop does not emit the flushed text.
func (c *StopChecker) Flush() string {
	s := c.buffer.String()
	c.buffer.Reset()
	return s
}
