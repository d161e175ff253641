package email

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTP accepts connections and answers every command with 250.
func fakeSMTP(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				conn.Write([]byte("220 localhost ESMTP\r\n"))
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if strings.HasPrefix(strings.ToUpper(line), "QUIT") {
						conn.Write([]byte("221 bye\r\n"))
						return
					}
					conn.Write([]byte("250 localhost\r\n"))
				}
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestSMTPSender_TestConnection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("reachable server", func(t *testing.T) {
		sender := NewSMTPSender(&SMTPConfig{Host: "127.0.0.1", Port: fakeSMTP(t), From: "billing@example.com"}, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, sender.TestConnection(ctx))
	})

	t.Run("nothing listening", func(t *testing.T) {
		sender := NewSMTPSender(&SMTPConfig{Host: "127.0.0.1", Port: closedPort(t), From: "billing@example.com"}, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := sender.TestConnection(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection failed")
	})
}
