package remote

// EnqueueMessage appends an inbound message to a session's FIFO queue
// and records the queued count/preview on the session's registry entry
// so a session-list UI can show "N messages waiting" without draining
// the queue itself. Returns the queue length after enqueueing.
func (r *Registry) EnqueueMessage(sessionID string, msg QueuedMessage) (int, error) {
	r.queueMu.Lock()
	r.queues[sessionID] = append(r.queues[sessionID], msg)
	count := len(r.queues[sessionID])
	r.queueMu.Unlock()

	err := r.withLockedRegistry(func(data *registryData) error {
		entry := data.Sessions[sessionID]
		entry.SessionID = sessionID
		entry.QueuedCount = count
		entry.LastQueuedMessage = preview(msg.Text)
		entry.LastEventAt = nowRFC3339()
		entry.LastEvent = "queued"
		data.Sessions[sessionID] = entry
		return nil
	})
	return count, err
}

// DrainQueue atomically removes and returns every message currently
// queued for a session, in FIFO order.
func (r *Registry) DrainQueue(sessionID string) []QueuedMessage {
	r.queueMu.Lock()
	drained := r.queues[sessionID]
	delete(r.queues, sessionID)
	r.queueMu.Unlock()

	if len(drained) == 0 {
		return nil
	}

	_ = r.withLockedRegistry(func(data *registryData) error {
		entry, ok := data.Sessions[sessionID]
		if !ok {
			return nil
		}
		entry.QueuedCount = 0
		entry.LastQueuedMessage = ""
		entry.LastEventAt = nowRFC3339()
		entry.LastEvent = "queue_drained"
		data.Sessions[sessionID] = entry
		return nil
	})
	return drained
}

// QueuedCount reports how many messages are currently queued for a
// session without draining them.
func (r *Registry) QueuedCount(sessionID string) int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.queues[sessionID])
}

const previewMaxLen = 512

// preview trims an inbound message to a bounded preview for the
// registry's last_queued_message field, never truncating mid rune.
func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewMaxLen {
		return text
	}
	return string(runes[:previewMaxLen]) + "..."
}
