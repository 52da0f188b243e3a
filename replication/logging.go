package replication

import "log"

func logInfo(message string, args ...any) {
	log.Println(append([]any{"[INFO]", message}, args...)...)
}

func logWarn(message string, args ...any) {
	log.Println(append([]any{"[WARN]", message}, args...)...)
}
