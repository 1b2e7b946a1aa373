// ABOUTME: Locates the agent's reply to a submitted message inside a conversation's message groups
// ABOUTME: Matches by message id first and falls back to position only when ids are absent

package platform

// AgentTurn returns the latest version of the agent's reply to messageID.
//
// A version whose parent id is messageID wins. Otherwise the reply is the
// group right after the group holding messageID. When the platform does not
// echo message ids at all, the last non-user group from index 1 onward is
// used, which is index 1 in a fresh conversation.
//
// ok is false when no reply has been appended yet.
func AgentTurn(groups []MessageGroup, messageID string) (MessageVersion, bool) {
	if messageID != "" {
		for _, g := range groups {
			for i := len(g) - 1; i >= 0; i-- {
				if g[i].ParentID == messageID {
					return g.Latest()
				}
			}
		}

		for i, g := range groups {
			if !g.Contains(messageID) {
				continue
			}
			if i+1 >= len(groups) {
				return MessageVersion{}, false
			}
			return groups[i+1].Latest()
		}
	}

	return positionalTurn(groups)
}

func positionalTurn(groups []MessageGroup) (MessageVersion, bool) {
	if len(groups) < 2 {
		return MessageVersion{}, false
	}
	last, ok := groups[len(groups)-1].Latest()
	if !ok || last.FromUser() {
		return MessageVersion{}, false
	}
	return last, true
}
