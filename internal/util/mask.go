package util

// MaskCode hides all but the first half of an invitation code for logs.
func MaskCode(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return code[:len(code)/2] + "-****"
}
