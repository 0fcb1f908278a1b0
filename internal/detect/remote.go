package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/argus-data/watchtower/internal/monitoring"
)

// RemoteClient talks to a GPU inference server: frames go over a websocket,
// vocabulary updates over a plain HTTP endpoint. The connection is dialed
// lazily and dropped on any transport error so the next call redials.
type RemoteClient struct {
	wsURL    string
	classURL string
	timeout  time.Duration

	conn *websocket.Conn
	http *http.Client
}

// NewRemoteClient returns an unconnected client.
func NewRemoteClient(wsURL, classURL string, timeout time.Duration) *RemoteClient {
	return &RemoteClient{
		wsURL:    wsURL,
		classURL: classURL,
		timeout:  timeout,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *RemoteClient) connect() error {
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial detector %s: %w", c.wsURL, err)
	}
	c.conn = conn
	monitoring.Logf("detect: connected to %s", c.wsURL)
	return nil
}

func (c *RemoteClient) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// SetClasses posts the new vocabulary to the inference server.
func (c *RemoteClient) SetClasses(classes []string) error {
	body, err := json.Marshal(classes)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.classURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("update detector classes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update detector classes: status %d", resp.StatusCode)
	}
	return nil
}

// Detect sends one JPEG-encoded frame and reads back the detection list.
func (c *RemoteClient) Detect(ctx context.Context, img image.Image) ([]RawDetection, error) {
	if err := c.connect(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		c.drop()
		return nil, fmt.Errorf("send frame: %w", err)
	}

	c.conn.SetReadDeadline(deadline)
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		c.drop()
		return nil, fmt.Errorf("read detections: %w", err)
	}

	var detections []RawDetection
	if err := json.Unmarshal(payload, &detections); err != nil {
		return nil, fmt.Errorf("parse detections: %w", err)
	}
	return detections, nil
}

// Close drops the websocket connection.
func (c *RemoteClient) Close() error {
	c.drop()
	return nil
}
