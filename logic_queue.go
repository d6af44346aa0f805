package mq

func (c *Client) processPublishQueue() {
	limit := c.effectiveMaxInFlight()

	for len(c.publishQueue) > 0 && c.outbound.len() < limit {
		req := c.publishQueue[0]

		if !c.sendPublishLocked(req) {
			// Failed to send (queue full), stop processing
			return
		}

		c.publishQueue = c.publishQueue[1:]
	}
}

// effectiveMaxInFlight returns the client's MaxInFlight ceiling, falling
// back to the default of 10 when unset.
func (c *Client) effectiveMaxInFlight() int {
	limit := c.opts.MaxInFlight
	if limit <= 0 {
		limit = 10
	}
	return limit
}
