package mqtt

import (
	"fmt"
)

// HeartbeatHandler receives one heartbeat published by a device agent.
// deviceID is taken from the topic; payload is the raw message body.
// A returned error is logged and the message is dropped.
type HeartbeatHandler func(deviceID string, payload []byte) error

// SubscribeHeartbeats subscribes to {prefix}/device/+/heartbeat at the
// configured QoS and hands each message to handler with the device id
// already extracted from the topic.
//
// The subscription is restored automatically after a reconnect. Handlers
// run on paho's goroutines and should return quickly.
func (c *Client) SubscribeHeartbeats(handler HeartbeatHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	topic := c.topics.AllDeviceHeartbeats()
	sub := subscription{
		topic:   topic,
		qos:     c.QoS(),
		handler: c.heartbeatHandler(handler),
	}

	c.subMu.Lock()
	c.subscriptions[topic] = sub
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// UnsubscribeHeartbeats stops heartbeat delivery. In-flight messages may
// still reach the handler.
func (c *Client) UnsubscribeHeartbeats() error {
	topic := c.topics.AllDeviceHeartbeats()
	c.forget(topic)

	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

// SubscribedToHeartbeats reports whether the heartbeat subscription is
// tracked for restoration on reconnect.
func (c *Client) SubscribedToHeartbeats() bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[c.topics.AllDeviceHeartbeats()]
	return ok
}

// heartbeatHandler adapts h to a topic-level handler.
func (c *Client) heartbeatHandler(h HeartbeatHandler) messageHandler {
	return func(topic string, payload []byte) error {
		id, ok := c.topics.DeviceIDFromTopic(topic, "heartbeat")
		if !ok {
			return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
		}
		return h(id, payload)
	}
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}
