package messaging

import "strings"

const queueArg = "--queue="

// ExtractQueueName returns the value of the first --queue= argument.
func ExtractQueueName(args []string) (string, bool) {
	for _, arg := range args {
		if strings.HasPrefix(arg, queueArg) {
			return strings.TrimPrefix(arg, queueArg), true
		}
	}
	return "", false
}
