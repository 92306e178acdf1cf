package fortunebot

import "fmt"

const (
	replyPong           = "Pong!"
	replyUnknownCommand = "Unknown command: %s"
	replyFortuneRetired = "%sfortune has been retired. Use %sadvice instead!"
	replyThrottled      = "%s, you've already had your advice for today. Come back in %d %s."
)

func unknownCommandReply(token string) string {
	return fmt.Sprintf(replyUnknownCommand, token)
}

func fortuneRetiredReply(prefix string) string {
	return fmt.Sprintf(replyFortuneRetired, prefix, prefix)
}

func throttledReply(name string, remainingHours int) string {
	unit := "hours"
	if remainingHours == 1 {
		unit = "hour"
	}
	return fmt.Sprintf(replyThrottled, name, remainingHours, unit)
}
