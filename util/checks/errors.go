package checks

import (
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"
)

// Check logs err with its stack and exits. Only for scripts such as the test model downloader.
func Check(err error) {
	if err != nil {
		stack := strings.Join(strings.Split(string(debug.Stack()), "\n")[5:], "\n")
		log.Fatal().Stack().Err(err).Msg(stack)
	}
}

func CheckWithMessage(err error, message string) {
	if err != nil {
		stack := strings.Join(strings.Split(string(debug.Stack()), "\n")[5:], "\n")
		log.Fatal().Stack().Err(err).Str("stack", stack).Msg(message)
	}
}
