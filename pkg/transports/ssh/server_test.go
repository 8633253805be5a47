package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server for testing. It answers a
// fixed set of exec commands and serves SFTP against the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
	addr     string
	done     chan struct{}
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	hostKey, signer, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		hostKey:  hostKey,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("failed to split address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse port: %v", err)
	}
	return host, port
}

// passwordConfig returns a config that authenticates with the test password.
func (s *testSSHServer) passwordConfig(t *testing.T) *Config {
	host, port := s.hostPort(t)
	cfg := DefaultConfig(host, "testuser")
	cfg.Port = port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "testpass"
	return cfg
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.exec(channel, command)
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) exec(channel ssh.Channel, command string) {
	code := uint32(0)
	switch command {
	case "true":
	case "echo test":
		channel.Write([]byte("test\n"))
	case "echo error >&2":
		channel.Stderr().Write([]byte("error\n"))
	case "exit 3":
		code = 3
	case "cat":
		data, _ := io.ReadAll(channel)
		channel.Write(data)
	case "sleep":
		// Blocks until the client closes the session.
		_, _ = io.Copy(io.Discard, channel)
		return
	default:
		channel.Write([]byte("command: " + command + "\n"))
	}

	status := make([]byte, 4)
	binary.BigEndian.PutUint32(status, code)
	channel.SendRequest("exit-status", false, status)
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// generateTestKey generates an ed25519 host key.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// writeTestPrivateKey writes a fresh OpenSSH private key and returns its path.
func writeTestPrivateKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(privKey, "test")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}
