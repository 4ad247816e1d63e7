package redis

import (
	"bufio"
	"net"
	"path"
	"strconv"
	"sync"
)

// fakeServer is a minimal in-process RESP responder used to exercise
// CommandClient and PubSubClient without a real redis-server. It understands
// just enough of the protocol to drive connect/AUTH/SELECT, a handful of
// data commands backed by an in-memory map, and subscribe/psubscribe
// acknowledgement + publish fan-out.
type fakeServer struct {
	ln net.Listener

	mu    sync.Mutex
	store map[string]string
	subs  map[net.Conn]map[string]bool // conn -> subscribed channel names
	psubs map[net.Conn]map[string]bool // conn -> subscribed glob patterns
	conns map[net.Conn]bool            // every live connection, subscribed or not

	// requireAuth, when non-empty, makes AUTH mandatory before any other
	// command succeeds.
	requireAuth string
}

func newFakeServer(t interface{ Helper() }) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	s := &fakeServer{
		ln:    ln,
		store: make(map[string]string),
		subs:  make(map[net.Conn]map[string]bool),
		psubs: make(map[net.Conn]map[string]bool),
		conns: make(map[net.Conn]bool),
	}
	go s.acceptLoop()
	return s
}

// closeAllConns forcibly drops every connection currently accepted by the
// server, simulating a mid-session connection loss.
func (s *fakeServer) closeAllConns() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// newFakeServerAuth builds a fakeServer that rejects every command until
// AUTH password succeeds.
func newFakeServerAuth(t interface{ Helper() }, password string) *fakeServer {
	s := newFakeServer(t)
	s.requireAuth = password
	return s
}

func (s *fakeServer) Addr() string { return s.ln.Addr().String() }

func (s *fakeServer) Close() { s.ln.Close() }

func (s *fakeServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		delete(s.psubs, conn)
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	authed := s.requireAuth == ""
	for {
		frame, err := DecodeFrame(reader)
		if err != nil {
			return
		}
		if frame.Kind != KindArray || len(frame.Array) == 0 {
			return
		}
		args := make([]string, len(frame.Array))
		for i, f := range frame.Array {
			args[i] = string(f.Bulk)
		}
		verb := args[0]

		var reply []byte
		switch verb {
		case "auth":
			if len(args) == 2 && args[1] == s.requireAuth {
				authed = true
				reply = []byte("+OK\r\n")
			} else {
				reply = []byte("-ERR invalid password\r\n")
			}
		case "select":
			if !authed {
				reply = []byte("-NOAUTH Authentication required.\r\n")
			} else {
				reply = []byte("+OK\r\n")
			}
		case "ping":
			reply = []byte("+PONG\r\n")
		case "get":
			s.mu.Lock()
			v, ok := s.store[args[1]]
			s.mu.Unlock()
			if ok {
				reply = bulkReply(v)
			} else {
				reply = []byte("$-1\r\n")
			}
		case "set":
			s.mu.Lock()
			s.store[args[1]] = args[2]
			s.mu.Unlock()
			reply = []byte("+OK\r\n")
		case "del":
			s.mu.Lock()
			_, existed := s.store[args[1]]
			delete(s.store, args[1])
			s.mu.Unlock()
			if existed {
				reply = []byte(":1\r\n")
			} else {
				reply = []byte(":0\r\n")
			}
		case "mget":
			s.mu.Lock()
			buf := "*" + strconv.Itoa(len(args)-1) + "\r\n"
			for _, k := range args[1:] {
				if v, ok := s.store[k]; ok {
					buf += bulkElem(v)
				} else {
					buf += "$-1\r\n"
				}
			}
			s.mu.Unlock()
			reply = []byte(buf)
		case "incr":
			s.mu.Lock()
			n, _ := strconv.ParseInt(s.store[args[1]], 10, 64)
			n++
			s.store[args[1]] = strconv.FormatInt(n, 10)
			s.mu.Unlock()
			reply = []byte(":" + strconv.FormatInt(n, 10) + "\r\n")
		case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
			byPattern := verb == "psubscribe" || verb == "punsubscribe"
			s.mu.Lock()
			registry := s.subs
			if byPattern {
				registry = s.psubs
			}
			set, ok := registry[conn]
			if !ok {
				set = make(map[string]bool)
				registry[conn] = set
			}
			if verb == "subscribe" || verb == "psubscribe" {
				set[args[1]] = true
			} else {
				delete(set, args[1])
			}
			count := len(s.subs[conn]) + len(s.psubs[conn])
			s.mu.Unlock()
			reply = buildPush(verb, args[1], count)
		case "publish":
			reply = []byte(":" + strconv.Itoa(s.fanOut(args[1], args[2])) + "\r\n")
		default:
			reply = []byte("-ERR unknown command\r\n")
		}

		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

// fanOut delivers message to every connection subscribed to channel, either
// literally ("message") or via a matching glob pattern ("pmessage"), and
// returns the total number of pushes sent (a connection subscribed both ways
// receives — and counts — both).
func (s *fakeServer) fanOut(channel, message string) int {
	s.mu.Lock()
	var direct, viaPattern []net.Conn
	var matchedPatterns []string
	for conn, set := range s.subs {
		if set[channel] {
			direct = append(direct, conn)
		}
	}
	for conn, set := range s.psubs {
		for pattern := range set {
			if ok, _ := path.Match(pattern, channel); ok {
				viaPattern = append(viaPattern, conn)
				matchedPatterns = append(matchedPatterns, pattern)
			}
		}
	}
	s.mu.Unlock()

	push := buildMessage(channel, message)
	for _, conn := range direct {
		conn.Write(push)
	}
	for i, conn := range viaPattern {
		conn.Write(buildPmessage(matchedPatterns[i], channel, message))
	}
	return len(direct) + len(viaPattern)
}

func bulkReply(v string) []byte {
	return []byte("$" + strconv.Itoa(len(v)) + "\r\n" + v + "\r\n")
}

func bulkElem(s string) string {
	return "$" + strconv.Itoa(len(s)) + "\r\n" + s + "\r\n"
}

// buildPush constructs a subscribe/unsubscribe/psubscribe/punsubscribe
// acknowledgement: a 3-element array whose last element is a RESP integer,
// not a bulk string, per the wire protocol — EncodeCommand can't produce
// this shape since every argument it encodes is a bulk string.
func buildPush(verb, name string, count int) []byte {
	return []byte("*3\r\n" + bulkElem(verb) + bulkElem(name) + ":" + strconv.Itoa(count) + "\r\n")
}

// buildMessage constructs a "message" push: [bulk("message"), bulk(channel), bulk(payload)].
func buildMessage(channel, payload string) []byte {
	return []byte("*3\r\n" + bulkElem("message") + bulkElem(channel) + bulkElem(payload))
}

// buildPmessage constructs a "pmessage" push:
// [bulk("pmessage"), bulk(pattern), bulk(channel), bulk(payload)].
func buildPmessage(pattern, channel, payload string) []byte {
	return []byte("*4\r\n" + bulkElem("pmessage") + bulkElem(pattern) + bulkElem(channel) + bulkElem(payload))
}
