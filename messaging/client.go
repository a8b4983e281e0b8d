package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"binedge/config"
	"binedge/protocol"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	amqp "github.com/rabbitmq/amqp091-go"
	kafkago "github.com/segmentio/kafka-go"
)

// Handler receives a message with its logical topic.
type Handler func(topic string, payload []byte)

// Bus is what the gateway needs from a messaging backend.
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(filter string, handler Handler) error
	IsConnected() bool
}

type subscription struct {
	filter  string
	handler Handler
}

// Client is the unified messaging client (MQTT, Kafka or AMQP). Topics are
// MQTT-style everywhere; the Kafka and AMQP backends map them onto their own
// routing.
type Client struct {
	mu      sync.RWMutex
	cfg     *config.MessagingConfig
	backend string
	subs    []subscription

	mqttConn mqtt.Client

	kafkaW  *kafkago.Writer
	kafkaRs []*kafkago.Reader

	amqpConn *amqp.Connection
	amqpCh   *amqp.Channel

	ctx    context.Context
	cancel context.CancelFunc
}

const mqttConnectWait = 10 * time.Second

// NewClient creates a messaging client based on config.
func NewClient(cfg *config.MessagingConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		backend: cfg.Backend,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect establishes the messaging connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.backend {
	case "mqtt":
		return c.connectMQTT()
	case "kafka":
		return c.connectKafka()
	case "amqp":
		// The watcher also covers a broker that is down at startup.
		err := c.connectAMQP()
		go c.watchAMQP()
		return err
	default:
		return fmt.Errorf("unknown messaging backend: %s", c.backend)
	}
}

func (c *Client) connectMQTT() error {
	broker := fmt.Sprintf("tcp://%s:%d", c.cfg.MQTT.Broker, c.cfg.MQTT.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(c.cfg.MQTT.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(c.resubscribeMQTT).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("messaging: mqtt connection lost: %v", err)
		})
	if c.cfg.MQTT.KeepAlive > 0 {
		opts.SetKeepAlive(c.cfg.MQTT.KeepAlive)
	}
	if c.cfg.MQTT.Username != "" {
		opts.SetUsername(c.cfg.MQTT.Username)
		opts.SetPassword(c.cfg.MQTT.Password)
	}

	// paho keeps retrying in the background; recorded subscriptions are
	// restored by the OnConnect handler once it gets through.
	client := mqtt.NewClient(opts)
	c.mqttConn = client
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectWait) {
		return fmt.Errorf("mqtt connect: %s not reachable yet, retrying", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// resubscribeMQTT restores subscriptions after paho reconnects with a clean
// session.
func (c *Client) resubscribeMQTT(client mqtt.Client) {
	c.mu.RLock()
	subs := append([]subscription(nil), c.subs...)
	c.mu.RUnlock()
	for _, s := range subs {
		token := client.Subscribe(s.filter, 1, mqttCallback(s.handler))
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("messaging: resubscribe %s: %v", s.filter, err)
		}
	}
}

func mqttCallback(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

func (c *Client) connectKafka() error {
	if c.cfg.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic not configured")
	}
	c.kafkaW = &kafkago.Writer{
		Addr:         kafkago.TCP(c.cfg.Kafka.Brokers...),
		Topic:        c.cfg.Kafka.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
	}
	return nil
}

func (c *Client) connectAMQP() error {
	conn, err := amqp.Dial(c.cfg.AMQP.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.AMQP.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", c.cfg.AMQP.Exchange, err)
	}
	c.amqpConn = conn
	c.amqpCh = ch
	for _, s := range c.subs {
		if err := c.bindAMQP(s); err != nil {
			log.Printf("messaging: amqp bind %s: %v", s.filter, err)
		}
	}
	return nil
}

// watchAMQP keeps the AMQP connection up until Close: it dials with
// exponential backoff while there is no connection and waits for the broker
// to drop it otherwise.
func (c *Client) watchAMQP() {
	for {
		c.mu.RLock()
		conn := c.amqpConn
		c.mu.RUnlock()
		if conn != nil {
			notify := conn.NotifyClose(make(chan *amqp.Error, 1))
			select {
			case <-c.ctx.Done():
				return
			case err := <-notify:
				if err != nil {
					log.Printf("messaging: amqp connection closed: %v", err)
				}
			}
		}
		if !c.reconnectAMQP() {
			return
		}
	}
}

// reconnectAMQP dials until it succeeds or the client is closed.
func (c *Client) reconnectAMQP() bool {
	delay := time.Second
	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(delay):
		}
		c.mu.Lock()
		err := c.connectAMQP()
		c.mu.Unlock()
		if err == nil {
			log.Printf("messaging: amqp connected to %s", c.cfg.AMQP.Exchange)
			return true
		}
		log.Printf("messaging: amqp reconnect: %v", err)
		delay = min(delay*2, 30*time.Second)
	}
}

// Publish sends a message to the given logical topic.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.backend {
	case "mqtt":
		if c.mqttConn == nil || !c.mqttConn.IsConnected() {
			return fmt.Errorf("mqtt not connected")
		}
		token := c.mqttConn.Publish(topic, 1, false, payload)
		token.Wait()
		return token.Error()
	case "kafka":
		if c.kafkaW == nil {
			return fmt.Errorf("kafka writer not initialized")
		}
		return c.kafkaW.WriteMessages(c.ctx, kafkago.Message{
			Key:   []byte(topic),
			Value: payload,
		})
	case "amqp":
		if c.amqpCh == nil || c.amqpConn.IsClosed() {
			return fmt.Errorf("amqp not connected")
		}
		return c.amqpCh.PublishWithContext(c.ctx, c.cfg.AMQP.Exchange, routingKey(topic), false, false, amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        payload,
		})
	default:
		return fmt.Errorf("unknown backend: %s", c.backend)
	}
}

// Subscribe registers a handler for messages whose topic matches filter.
// Filters use MQTT wildcards. A subscription made while the broker is
// unreachable is kept and bound when the connection comes up.
func (c *Client) Subscribe(filter string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := subscription{filter: filter, handler: handler}
	switch c.backend {
	case "mqtt":
		c.subs = append(c.subs, s)
		if c.mqttConn == nil || !c.mqttConn.IsConnected() {
			log.Printf("messaging: mqtt not connected, %s subscribed on connect", filter)
			return nil
		}
		token := c.mqttConn.Subscribe(filter, 1, mqttCallback(handler))
		token.Wait()
		return token.Error()
	case "kafka":
		groupID := c.cfg.Kafka.GroupID
		if groupID == "" {
			groupID = c.cfg.MQTT.ClientID
		}
		r := kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: c.cfg.Kafka.Brokers,
			Topic:   c.cfg.Kafka.Topic,
			GroupID: fmt.Sprintf("%s-%d", groupID, len(c.kafkaRs)),
		})
		c.kafkaRs = append(c.kafkaRs, r)
		c.subs = append(c.subs, s)
		go c.readKafka(r, s)
		return nil
	case "amqp":
		c.subs = append(c.subs, s)
		if c.amqpCh == nil || c.amqpConn.IsClosed() {
			log.Printf("messaging: amqp not connected, %s bound on connect", filter)
			return nil
		}
		return c.bindAMQP(s)
	default:
		return fmt.Errorf("unknown backend: %s", c.backend)
	}
}

func (c *Client) readKafka(r *kafkago.Reader, s subscription) {
	for {
		msg, err := r.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				log.Printf("messaging: kafka read: %v", err)
			}
			return
		}
		topic := string(msg.Key)
		if protocol.TopicMatches(s.filter, topic) {
			s.handler(topic, msg.Value)
		}
	}
}

// bindAMQP declares an exclusive queue bound to the filter and consumes it.
// Caller holds c.mu.
func (c *Client) bindAMQP(s subscription) error {
	q, err := c.amqpCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := c.amqpCh.QueueBind(q.Name, bindingKey(s.filter), c.cfg.AMQP.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", s.filter, err)
	}
	deliveries, err := c.amqpCh.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	go func() {
		for d := range deliveries {
			s.handler(topicFromKey(d.RoutingKey), d.Body)
		}
	}()
	return nil
}

// routingKey maps an MQTT topic onto an AMQP routing key.
func routingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// bindingKey maps an MQTT filter onto an AMQP binding key.
func bindingKey(filter string) string {
	parts := strings.Split(filter, "/")
	for i, p := range parts {
		if p == "+" {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, ".")
}

func topicFromKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// IsConnected returns whether the messaging client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.backend {
	case "mqtt":
		return c.mqttConn != nil && c.mqttConn.IsConnected()
	case "kafka":
		return c.kafkaW != nil
	case "amqp":
		return c.amqpConn != nil && !c.amqpConn.IsClosed()
	default:
		return false
	}
}

// Close shuts down the messaging connection.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mqttConn != nil {
		c.mqttConn.Disconnect(1000)
		c.mqttConn = nil
	}
	if c.kafkaW != nil {
		c.kafkaW.Close()
		c.kafkaW = nil
	}
	for _, r := range c.kafkaRs {
		r.Close()
	}
	c.kafkaRs = nil
	if c.amqpCh != nil {
		c.amqpCh.Close()
		c.amqpCh = nil
	}
	if c.amqpConn != nil {
		c.amqpConn.Close()
		c.amqpConn = nil
	}
}
