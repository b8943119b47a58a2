package spreadsheet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-funnel/internal/config"
)

// ftpServer speaks just enough FTP for login and RETR in passive mode.
type ftpServer struct {
	ln    net.Listener
	files map[string]string
	wg    sync.WaitGroup

	mu    sync.Mutex
	users []string
}

func newFTPServer(t *testing.T, files map[string]string) *ftpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &ftpServer{ln: ln, files: files}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		ln.Close() //nolint:errcheck
		s.wg.Wait()
	})
	return s
}

func (s *ftpServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *ftpServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()                                 //nolint:errcheck
	conn.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	reply := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\r\n", args...) //nolint:errcheck
		w.Flush()                              //nolint:errcheck
	}
	reply("220 ready")

	var data net.Listener
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch strings.ToUpper(cmd) {
		case "USER":
			s.mu.Lock()
			s.users = append(s.users, arg)
			s.mu.Unlock()
			reply("331 password please")
		case "PASS":
			reply("230 logged in")
		case "FEAT":
			fmt.Fprintf(w, "211-Features:\r\n UTF8\r\n") //nolint:errcheck
			reply("211 End")
		case "TYPE", "OPTS":
			reply("200 OK")
		case "EPSV":
			if data, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
				reply("425 no data connection")
				continue
			}
			reply("229 Entering Extended Passive Mode (|||%d|)", data.Addr().(*net.TCPAddr).Port)
		case "PASV":
			if data, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
				reply("425 no data connection")
				continue
			}
			port := data.Addr().(*net.TCPAddr).Port
			reply("227 Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256)
		case "RETR":
			content, ok := s.files[arg]
			if data == nil || !ok {
				if data != nil {
					data.Close() //nolint:errcheck
					data = nil
				}
				reply("550 not found")
				continue
			}
			reply("150 opening data connection")
			dc, err := data.Accept()
			if err != nil {
				reply("425 no data connection")
				continue
			}
			io.WriteString(dc, content) //nolint:errcheck
			dc.Close()                  //nolint:errcheck
			data.Close()                //nolint:errcheck
			data = nil
			reply("226 transfer complete")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func (s *ftpServer) logins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...)
}

func TestLoader_FTP(t *testing.T) {
	srv := newFTPServer(t, map[string]string{"/drops/leads.csv": "email\nana@example.com\n"})
	l := NewLoader(config.SpreadsheetConfig{FTP: config.FTPConfig{User: "crm", Password: "secret", TimeoutSecs: 5}})

	f, err := l.Load(context.Background(), fmt.Sprintf("ftp://%s/drops/leads.csv", srv.ln.Addr()))
	require.NoError(t, err)
	assert.Equal(t, "leads.csv", f.Name)
	assert.Equal(t, "email\nana@example.com\n", string(f.Data))
	assert.Equal(t, []string{"crm"}, srv.logins())
}

func TestLoader_FTPAnonymousAndMissing(t *testing.T) {
	srv := newFTPServer(t, map[string]string{})
	l := NewLoader(config.SpreadsheetConfig{FTP: config.FTPConfig{TimeoutSecs: 5}})

	_, err := l.Load(context.Background(), fmt.Sprintf("ftp://%s/missing.csv", srv.ln.Addr()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp retrieve")
	assert.Equal(t, []string{"anonymous"}, srv.logins())
}

func TestLoader_FTPRefused(t *testing.T) {
	l := NewLoader(config.SpreadsheetConfig{FTP: config.FTPConfig{TimeoutSecs: 2}})
	_, err := l.Load(context.Background(), "ftp://127.0.0.1:19999/file.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp dial")

	_, err = l.Load(context.Background(), "ftp://127.0.0.1:19999/")
	assert.ErrorContains(t, err, "empty path")
}
