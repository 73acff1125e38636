package proactive

import "strings"

// destination picks the conversation alerts are spoken into: the most
// recently updated session whose key starts with the configured prefix.
func (s *Scheduler) destination() (channel, chatID string, ok bool) {
	prefix := s.destinationPrefix()
	for _, info := range s.sessions.ListSessions() {
		if !strings.HasPrefix(info.Key, prefix) {
			continue
		}
		if channel, chatID, ok = splitKey(info.Key); ok {
			return channel, chatID, true
		}
	}
	return "", "", false
}

// activeDestinations lists the cached conversations under the destination
// prefix. Sessions of other channels, such as cli, have no transport to
// deliver a reply.
func (s *Scheduler) activeDestinations() [][2]string {
	prefix := s.destinationPrefix()
	var out [][2]string
	for _, sess := range s.sessions.ListActiveSessions() {
		if !strings.HasPrefix(sess.Key, prefix) {
			continue
		}
		if channel, chatID, ok := splitKey(sess.Key); ok {
			out = append(out, [2]string{channel, chatID})
		}
	}
	return out
}

func (s *Scheduler) destinationPrefix() string {
	if s.cfg.DestinationPrefix == "" {
		return "telegram:"
	}
	return s.cfg.DestinationPrefix
}

func splitKey(key string) (string, string, bool) {
	channel, chatID, found := strings.Cut(key, ":")
	if !found || channel == "" || chatID == "" {
		return "", "", false
	}
	return channel, chatID, true
}
