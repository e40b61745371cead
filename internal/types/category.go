package types

// Category tags what a message is within a conversation turn.
type Category string

const (
	// CategoryUserToBot is an inbound message from a regular user.
	CategoryUserToBot Category = "user_to_bot"
	// CategoryBotToUser is a bot notice to a user (verification updates etc.).
	CategoryBotToUser Category = "bot_to_user"
	// CategoryBotToUserResponse is a generated answer sent to a user.
	CategoryBotToUserResponse Category = "bot_to_user_response"
	// CategoryBotToExpert is a bot notice or prompt to an expert.
	CategoryBotToExpert Category = "bot_to_expert"
	// CategoryBotToExpertVerification is the sign-off request paired with an answer.
	CategoryBotToExpertVerification Category = "bot_to_expert_verification"
	// CategoryExpertToBot is an inbound message from an expert.
	CategoryExpertToBot Category = "expert_to_bot"
	// CategoryReadReceipt is a channel delivery/read status event.
	CategoryReadReceipt Category = "read_receipt"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryUserToBot, CategoryBotToUser, CategoryBotToUserResponse,
		CategoryBotToExpert, CategoryBotToExpertVerification,
		CategoryExpertToBot, CategoryReadReceipt:
		return true
	}
	return false
}

// Outbound reports whether the category is produced by the bot.
func (c Category) Outbound() bool {
	switch c {
	case CategoryBotToUser, CategoryBotToUserResponse,
		CategoryBotToExpert, CategoryBotToExpertVerification:
		return true
	}
	return false
}
