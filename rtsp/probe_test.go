package rtsp

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const videoSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=Camera\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"t=0 0\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=control:trackID=0\r\n"

const audioSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=Microphone\r\n" +
	"t=0 0\r\n" +
	"m=audio 0 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

type request struct {
	method string
	uri    string
	header textproto.MIMEHeader
}

// handler answers one request with status, extra header lines and body.
type handler func(req request) (status int, headers []string, body string)

// fakeServer serves RTSP on a loopback port. DESCRIBE requests are recorded
// and answered by h; anything else gets a plain 200.
func fakeServer(t *testing.T, h handler) (string, <-chan request) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	seen := make(chan request, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, h, seen)
		}
	}()
	return ln.Addr().String(), seen
}

func serveConn(conn net.Conn, h handler, seen chan<- request) {
	defer conn.Close()
	r := textproto.NewReader(bufio.NewReader(conn))
	for {
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		parts := strings.Fields(line)
		if len(parts) != 3 {
			return
		}
		header, err := r.ReadMIMEHeader()
		if err != nil {
			return
		}
		req := request{method: parts[0], uri: parts[1], header: header}

		var (
			status int
			extra  []string
			body   string
		)
		if req.method == "DESCRIBE" {
			seen <- req
			status, extra, body = h(req)
		} else {
			status, extra = 200, []string{"Public: OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN"}
		}
		fmt.Fprintf(conn, "RTSP/1.0 %d Status\r\nCSeq: %s\r\n", status, header.Get("CSeq"))
		for _, e := range extra {
			fmt.Fprintf(conn, "%s\r\n", e)
		}
		if body != "" {
			fmt.Fprintf(conn, "Content-Type: application/sdp\r\nContent-Length: %d\r\n", len(body))
		}
		fmt.Fprintf(conn, "\r\n%s", body)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestProbeVideo(t *testing.T) {
	addr, seen := fakeServer(t, func(request) (int, []string, string) {
		return 200, nil, videoSDP
	})
	p := &Prober{Timeout: time.Second}

	uri := "rtsp://" + addr + "/cam/realmonitor?channel=1&subtype=0"
	require.NoError(t, p.Probe(testContext(t), uri))

	req := <-seen
	assert.Equal(t, "DESCRIBE", req.method)
	assert.Equal(t, uri, req.uri)
	assert.Equal(t, "application/sdp", req.header.Get("Accept"))

	desc, err := p.Describe(testContext(t), uri)
	require.NoError(t, err)
	md := VideoMedia(desc)
	require.NotNil(t, md)
	assert.Equal(t, "H264", Codec(md))
}

func TestProbeNoVideo(t *testing.T) {
	addr, _ := fakeServer(t, func(request) (int, []string, string) {
		return 200, nil, audioSDP
	})
	p := &Prober{Timeout: time.Second}
	assert.ErrorIs(t, p.Probe(testContext(t), "rtsp://"+addr+"/mic"), ErrNoVideo)
}

func TestProbeDigestAuth(t *testing.T) {
	const realm, nonce = "IP Camera", "abc123"
	addr, seen := fakeServer(t, func(req request) (int, []string, string) {
		if req.header.Get("Authorization") == "" {
			return 401, []string{
				`WWW-Authenticate: Basic realm="IP Camera"`,
				fmt.Sprintf(`WWW-Authenticate: Digest realm="%s", nonce="%s"`, realm, nonce),
			}, ""
		}
		return 200, nil, videoSDP
	})
	p := &Prober{Timeout: time.Second}

	bare := "rtsp://" + addr + "/cam"
	uri := "rtsp://admin:secret@" + addr + "/cam"
	require.NoError(t, p.Probe(testContext(t), uri))

	first := <-seen
	assert.Empty(t, first.header.Get("Authorization"))
	assert.Equal(t, bare, first.uri)

	second := <-seen
	scheme, params := authParams(second.header.Get("Authorization"))
	assert.Equal(t, "Digest", scheme)
	assert.Equal(t, "admin", params["username"])
	assert.Equal(t, realm, params["realm"])
	assert.NotContains(t, params["uri"], "secret")
	want := md5hex(md5hex("admin:"+realm+":secret") + ":" + nonce + ":" + md5hex("DESCRIBE:"+params["uri"]))
	assert.Equal(t, want, params["response"])
}

func TestProbeBasicAuth(t *testing.T) {
	addr, seen := fakeServer(t, func(req request) (int, []string, string) {
		if req.header.Get("Authorization") == "" {
			return 401, []string{`WWW-Authenticate: Basic realm="cam"`}, ""
		}
		return 200, nil, videoSDP
	})
	p := &Prober{Timeout: time.Second}
	require.NoError(t, p.Probe(testContext(t), "rtsp://admin:secret@"+addr+"/cam"))

	<-seen
	second := <-seen
	assert.Equal(t, "Basic YWRtaW46c2VjcmV0", second.header.Get("Authorization"))
}

func TestProbeUnauthorized(t *testing.T) {
	addr, _ := fakeServer(t, func(request) (int, []string, string) {
		return 401, []string{`WWW-Authenticate: Digest realm="cam", nonce="n"`}, ""
	})
	p := &Prober{Timeout: time.Second}

	assert.ErrorIs(t, p.Probe(testContext(t), "rtsp://"+addr+"/cam"), ErrUnauthorized)
	assert.ErrorIs(t, p.Probe(testContext(t), "rtsp://admin:wrong@"+addr+"/cam"), ErrUnauthorized)
}

func TestProbeStatusError(t *testing.T) {
	addr, _ := fakeServer(t, func(request) (int, []string, string) {
		return 404, nil, ""
	})
	p := &Prober{Timeout: time.Second}

	err := p.Probe(testContext(t), "rtsp://"+addr+"/missing")
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 404, status.StatusCode)
}

func TestProbeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := &Prober{Timeout: 500 * time.Millisecond}
	assert.Error(t, p.Probe(testContext(t), "rtsp://"+addr+"/cam"))
}

// authParams splits an Authorization header into its scheme and parameters.
func authParams(header string) (string, map[string]string) {
	scheme, rest, _ := strings.Cut(header, " ")
	params := map[string]string{}
	for rest != "" {
		rest = strings.TrimLeft(rest, " ,")
		key, value, ok := strings.Cut(rest, "=")
		if !ok {
			break
		}
		if strings.HasPrefix(value, `"`) {
			end := strings.Index(value[1:], `"`)
			if end < 0 {
				break
			}
			params[strings.TrimSpace(key)] = value[1 : end+1]
			rest = value[end+2:]
			continue
		}
		v, next, _ := strings.Cut(value, ",")
		params[strings.TrimSpace(key)] = strings.TrimSpace(v)
		rest = next
	}
	return scheme, params
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
