package core

import (
	"encoding/json"
	"net"
	"os"

	"github.com/assetsart/easy-proxy/log"
)

const (
	SOCKET_PATH = "/tmp/easy-proxy.sock"

	controlBufferSize = 1024
)

// ControlMessage is the frame exchanged over the control socket, both
// directions: {"message_type": "command"|"response"|"error", "message": ...}.
type ControlMessage struct {
	MessageType string `json:"message_type"`
	Message     string `json:"message"`
}

// ControlSocket is the local admin channel behind the -r and -t flags.
type ControlSocket struct {
	path     string
	reloader *Reloader
	listener net.Listener
}

func NewControlSocket(path string, reloader *Reloader) *ControlSocket {
	if path == "" {
		path = SOCKET_PATH
	}
	return &ControlSocket{path: path, reloader: reloader}
}

func (c *ControlSocket) Start() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return errConfig("unable to remove stale socket %s: %v", c.path, err)
	}
	l, err := net.Listen("unix", c.path)
	if err != nil {
		return errConfig("unable to bind control socket %s: %v", c.path, err)
	}
	c.listener = l
	log.Info("control: listening on %s", c.path)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go c.handleConnection(conn)
		}
	}()
	return nil
}

func (c *ControlSocket) Stop() {
	if c.listener != nil {
		c.listener.Close()
	}
	os.Remove(c.path)
}

func (c *ControlSocket) handleConnection(conn net.Conn) {
	defer conn.Close()

	buffer := make([]byte, controlBufferSize)
	n, err := conn.Read(buffer)
	if err != nil || n == 0 {
		return
	}

	var cmd ControlMessage
	if err := json.Unmarshal(buffer[:n], &cmd); err != nil {
		log.Error("control: unable to parse command: %v", err)
		return
	}
	if cmd.MessageType != "command" {
		log.Info("control: ignoring message of type '%s'", cmd.MessageType)
		return
	}

	res := ControlMessage{MessageType: "response"}
	switch cmd.Message {
	case "reload":
		if err := c.reloader.Reload(); err != nil {
			res.MessageType = "error"
			res.Message = "Error: " + err.Error()
		} else {
			res.Message = "Proxy configuration loaded successfully"
		}
	case "test":
		if err := c.reloader.Test(); err != nil {
			res.MessageType = "error"
			res.Message = "Error: " + err.Error()
		} else {
			res.Message = "Proxy configuration tested successfully"
		}
	default:
		log.Info("control: received unknown command: %s", cmd.Message)
		return
	}

	c.reply(conn, &res)
}

func (c *ControlSocket) reply(conn net.Conn, res *ControlMessage) {
	raw, err := json.Marshal(res)
	if err != nil {
		log.Error("control: unable to serialize response: %v", err)
		return
	}
	// replies are bounded; oversized error text gets truncated into a
	// fresh frame rather than a torn one
	for len(raw) > controlBufferSize && res.Message != "" {
		res.Message = res.Message[:len(res.Message)/2]
		raw, _ = json.Marshal(res)
	}
	if _, err := conn.Write(raw); err != nil {
		log.Error("control: unable to write response: %v", err)
	}
}

// SendCommand connects to a running proxy's control socket, delivers one
// command and returns the reply. Used by the -r client mode.
func SendCommand(path string, command string) (*ControlMessage, error) {
	if path == "" {
		path = SOCKET_PATH
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errConfig("unable to connect to %s: %v", path, err)
	}
	defer conn.Close()

	raw, err := json.Marshal(&ControlMessage{MessageType: "command", Message: command})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(raw); err != nil {
		return nil, errConfig("unable to send command: %v", err)
	}

	buffer := make([]byte, controlBufferSize)
	n, err := conn.Read(buffer)
	if err != nil || n == 0 {
		return nil, errConfig("no response from control socket")
	}
	var res ControlMessage
	if err := json.Unmarshal(buffer[:n], &res); err != nil {
		return nil, errConfig("unable to parse response: %v", err)
	}
	return &res, nil
}
