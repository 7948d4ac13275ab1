package prompt

import "fmt"

// OutboundGreeting is the opener on calls the gateway places. The recipient
// name is optional; the theme is what the operator asked the assistant to
// call about.
func OutboundGreeting(assistantName, operatorName, recipientName, theme string) string {
	if recipientName != "" {
		return fmt.Sprintf("Hi %s — this is %s, %s's VIP AI assistant. %s asked me to call about: %s. Is now a good time?",
			recipientName, assistantName, operatorName, operatorName, theme)
	}
	return fmt.Sprintf("Hi — this is %s, %s's VIP AI assistant. %s asked me to call about: %s. Is now a good time?",
		assistantName, operatorName, operatorName, theme)
}

// VIPGreeting is the opener for a recognized inbound VIP caller. firstName is
// the first token of the VIP's display name.
func VIPGreeting(assistantName, operatorName, firstName string) string {
	return fmt.Sprintf("Hi %s — This is %s, %s's VIP Assistant. %s hasn't picked up yet. How can I help?",
		firstName, assistantName, operatorName, operatorName)
}

// StrangerGreeting is the opener for an unrecognized inbound caller.
func StrangerGreeting(assistantName string) string {
	return fmt.Sprintf("Hi — it's %s. How can I help?", assistantName)
}

// GreetingInstructions wraps a greeting so the model delivers it verbatim and
// then yields the floor.
func GreetingInstructions(text string) string {
	return fmt.Sprintf("Greet the caller now. Say exactly: %q Then stop speaking and listen.", text)
}

// FarewellInstructions wraps a goodbye line for the idle watchdog: delivered
// verbatim, then the call ends.
func FarewellInstructions(text string) string {
	return fmt.Sprintf("The call is ending now. Say exactly: %q Then stop speaking.", text)
}
