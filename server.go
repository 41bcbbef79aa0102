// This file serves a mounted volume over a minimal request/response text
// protocol: one connection, one request, one response at a time.

package fat32

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"strings"
	"time"

	"path"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/noxer/bytewriter"
)

const (
	// DefaultMaxRequestLineBytes bounds the request line; exceeding it
	// answers 413.
	DefaultMaxRequestLineBytes = 1024

	// DefaultMaxHeaderBytes bounds the header bytes discarded after the
	// request line.
	DefaultMaxHeaderBytes = 4096

	// DefaultMaxListingEntries and DefaultMaxListingBodyBytes cap a
	// directory-listing body. Listings truncate at the cap rather than grow.
	DefaultMaxListingEntries   = 256
	DefaultMaxListingBodyBytes = 16384

	// DefaultCopyChunkBytes is the chunk size for streaming file bodies.
	DefaultCopyChunkBytes = 4096

	// DefaultRequestTimeout is the per-request deadline covering the whole
	// read/resolve/respond cycle.
	DefaultRequestTimeout = 30 * time.Second

	// headerDrainTimeout bounds the best-effort read of trailing header
	// bytes, which a minimal client may never send.
	headerDrainTimeout = 200 * time.Millisecond
)

var (
	serverLogger = log.NewLogger("fat32.server")
)

var (
	// ErrRequestTooLarge indicates a request line longer than the configured
	// bound.
	ErrRequestTooLarge = errors.New("request too large")

	errMalformedRequest = errors.New("malformed request line")
)

// VolumeServer serves one mounted volume. A single connection is accepted
// and fully serviced at a time; at no point is more than one cursor, stream,
// or connection open, which also serializes storage access.
type VolumeServer struct {
	volume *Fat32Volume

	MaxRequestLineBytes int
	MaxHeaderBytes      int
	MaxListingEntries   int
	MaxListingBodyBytes int
	CopyChunkBytes      int
	RequestTimeout      time.Duration
}

// NewVolumeServer returns a server over the given volume with default
// bounds.
func NewVolumeServer(volume *Fat32Volume) *VolumeServer {
	return &VolumeServer{
		volume: volume,

		MaxRequestLineBytes: DefaultMaxRequestLineBytes,
		MaxHeaderBytes:      DefaultMaxHeaderBytes,
		MaxListingEntries:   DefaultMaxListingEntries,
		MaxListingBodyBytes: DefaultMaxListingBodyBytes,
		CopyChunkBytes:      DefaultCopyChunkBytes,
		RequestTimeout:      DefaultRequestTimeout,
	}
}

// Serve accepts and services connections until the listener fails (or is
// closed). Each connection is fully finished before the next accept.
func (vs *VolumeServer) Serve(listener net.Listener) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	for {
		conn, err := listener.Accept()
		log.PanicIf(err)

		vs.ServeConn(conn)
	}
}

// ServeConn services one request/response cycle and closes the connection.
// A failure mid-request is logged and aborts that request only.
func (vs *VolumeServer) ServeConn(conn net.Conn) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := log.Wrap(errRaw.(error))
			serverLogger.Warningf(nil, "Request failed: %s", err.Error())
		}
	}()

	defer conn.Close()

	if vs.RequestTimeout > 0 {
		conn.SetDeadline(time.Now().Add(vs.RequestTimeout))
	}

	method, target, remainder, err := vs.readRequestLine(conn)
	if err != nil {
		if log.Is(err, ErrRequestTooLarge) == true {
			vs.writeHead(conn, 413, "Request Too Long", "", 0)
			serverLogger.Warningf(nil, "Request line too long.")
			return
		}

		if log.Is(err, errMalformedRequest) == true {
			vs.writeHead(conn, 400, "Bad Request", "", 0)
			return
		}

		log.Panic(err)
	}

	vs.drainHeaders(conn, remainder)

	if method != "GET" {
		vs.writeHead(conn, 405, "Method Not Allowed", "", 0)
		serverLogger.Debugf(nil, "%s %s -> (405)", method, target)
		return
	}

	status, bodySize := vs.respond(conn, target)

	serverLogger.Debugf(nil, "%s %s -> (%d), %s sent", method, target, status, humanize.Bytes(uint64(bodySize)))
}

// respond resolves the target and writes the response. Resolution failures
// map deterministically to status codes and never escape.
func (vs *VolumeServer) respond(conn net.Conn, target string) (status int, bodySize int64) {
	entry, err := vs.volume.ResolvePath(target)
	if err != nil {
		if log.Is(err, ErrNotFound) == true || log.Is(err, ErrNotADirectory) == true {
			vs.writeHead(conn, 404, "Not Found", "", 0)
			return 404, 0
		}

		vs.writeHead(conn, 500, "Internal Server Error", "", 0)
		log.Panic(err)
	}

	if entry.IsDirectory() == true {
		// Directories are always listed, however they were requested.
		body, err := vs.renderListing(entry.FirstCluster)
		if err != nil {
			vs.writeHead(conn, 500, "Internal Server Error", "", 0)
			log.Panic(err)
		}

		err = vs.writeHead(conn, 200, "OK", "text/plain; charset=utf-8", int64(len(body)))
		log.PanicIf(err)

		_, err = conn.Write(body)
		log.PanicIf(err)

		return 200, int64(len(body))
	}

	stream, err := vs.volume.OpenFile(entry)
	if err != nil {
		vs.writeHead(conn, 500, "Internal Server Error", "", 0)
		log.Panic(err)
	}

	contentType := mime.TypeByExtension(path.Ext(entry.Name()))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	err = vs.writeHead(conn, 200, "OK", contentType, int64(entry.Size))
	log.PanicIf(err)

	// The body is copied in fixed-size chunks straight from the stream; the
	// file is never buffered whole.
	chunk := make([]byte, vs.CopyChunkBytes)

	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			_, writeErr := conn.Write(chunk[:n])
			log.PanicIf(writeErr)

			bodySize += int64(n)
		}

		if err == io.EOF {
			break
		}

		log.PanicIf(err)
	}

	return 200, bodySize
}

// renderListing renders one line per entry into a fixed-capacity buffer:
// `name/` for directories, `name size` for files. The listing truncates at
// the entry cap or when the buffer fills.
func (vs *VolumeServer) renderListing(startingClusterNumber uint32) (body []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buffer := make([]byte, vs.MaxListingBodyBytes)
	w := bytewriter.New(buffer)

	written := 0
	entryCount := 0

	dc, err := NewDirectoryCursor(vs.volume, startingClusterNumber, false)
	log.PanicIf(err)

	for entryCount < vs.MaxListingEntries {
		entry, err := dc.Next()
		if err == io.EOF {
			break
		}

		log.PanicIf(err)

		var line string
		if entry.IsDirectory() == true {
			line = entry.Name() + "/\n"
		} else {
			line = fmt.Sprintf("%s %d\n", entry.Name(), entry.Size)
		}

		n, err := w.Write([]byte(line))
		written += n

		if err != nil {
			// Buffer full; the listing is truncated here.
			break
		}

		entryCount++
	}

	return buffer[:written], nil
}

// readRequestLine reads bytes until a complete `METHOD SP PATH` line is
// available, within the configured bound. Bytes received past the newline
// are returned for the header drain.
func (vs *VolumeServer) readRequestLine(conn net.Conn) (method, target string, remainder []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buffer := make([]byte, vs.MaxRequestLineBytes)
	total := 0
	lineEnd := -1

	for lineEnd < 0 {
		if total == len(buffer) {
			log.Panic(ErrRequestTooLarge)
		}

		n, readErr := conn.Read(buffer[total:])

		for i := total; i < total+n; i++ {
			if buffer[i] == '\n' {
				lineEnd = i
				break
			}
		}

		total += n

		if lineEnd < 0 && readErr != nil {
			log.Panic(readErr)
		}
	}

	line := strings.TrimRight(string(buffer[:lineEnd]), "\r")

	parts := strings.Fields(line)
	if len(parts) < 2 {
		log.Panic(errMalformedRequest)
	}

	return parts[0], parts[1], buffer[lineEnd+1 : total], nil
}

// drainHeaders discards header bytes up to the blank line, bounded in both
// size and time. Best-effort: a minimal client that sends no headers just
// runs the short drain deadline out.
func (vs *VolumeServer) drainHeaders(conn net.Conn, remainder []byte) {
	consumed := 0
	atLineStart := true

	scan := func(data []byte) bool {
		for _, b := range data {
			consumed++

			if b == '\r' {
				continue
			}

			if b == '\n' {
				if atLineStart == true {
					return true
				}

				atLineStart = true
				continue
			}

			atLineStart = false
		}

		return false
	}

	if scan(remainder) == true {
		if vs.RequestTimeout > 0 {
			conn.SetDeadline(time.Now().Add(vs.RequestTimeout))
		}

		return
	}

	conn.SetReadDeadline(time.Now().Add(headerDrainTimeout))

	chunk := make([]byte, 512)
	for consumed < vs.MaxHeaderBytes {
		n, err := conn.Read(chunk)

		if scan(chunk[:n]) == true {
			break
		}

		if err != nil {
			break
		}
	}

	// Restore the request deadline for the response phase.
	if vs.RequestTimeout > 0 {
		conn.SetDeadline(time.Now().Add(vs.RequestTimeout))
	}
}

// writeHead writes a status line and the response headers.
func (vs *VolumeServer) writeHead(conn net.Conn, status int, reason, contentType string, contentLength int64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	head := fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, reason)

	if contentType != "" {
		head += "Content-Type: " + contentType + "\r\n"
	}

	head += fmt.Sprintf("Content-Length: %d\r\n", contentLength)
	head += "Connection: close\r\n"
	head += "\r\n"

	_, err = io.WriteString(conn, head)
	log.PanicIf(err)

	return nil
}
