package local

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/chazu/sandbox/config"
)

// ConnectionInfo is the content of a Jupyter connection file.
type ConnectionInfo struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`
}

// NewConnectionInfo picks five free TCP ports on ip and a fresh signing key.
func NewConnectionInfo(ip string) (ConnectionInfo, error) {
	ports, err := freePorts(ip, 5)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return ConnectionInfo{
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		IP:              ip,
		Key:             uuid.NewString(),
		Transport:       "tcp",
		SignatureScheme: "hmac-sha256",
	}, nil
}

// Endpoint returns the ZeroMQ address of port.
func (c ConnectionInfo) Endpoint(port int) string {
	return fmt.Sprintf("%s://%s", c.Transport, net.JoinHostPort(c.IP, fmt.Sprint(port)))
}

// WriteFile writes c to a new temporary file readable only by the owner and
// returns its path.
func (c ConnectionInfo) WriteFile() (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "kernel-*.json")
	if err != nil {
		return "", fmt.Errorf("create connection file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write connection file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write connection file: %w", err)
	}
	return f.Name(), nil
}

// ExpandArgv replaces the connection file placeholder in every argument.
func ExpandArgv(argv []string, path string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, config.ConnectionFileArg, path)
	}
	return out
}

// freePorts asks the OS for n distinct unused ports. All listeners are held
// until every port is chosen so the same port is not handed out twice.
func freePorts(ip string, n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for range n {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("find free port on %s: %w", ip, err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}
