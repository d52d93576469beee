package memcachestore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

const absoluteTTLThreshold = 30 * 24 * time.Hour

var (
	errNotFound  = errors.New("not found")
	errNotStored = errors.New("not stored")
	errExists    = errors.New("cas mismatch")
)

// textClient speaks the memcached text protocol over short-lived TCP
// connections, one per command.
type textClient struct {
	addresses []string
	timeout   time.Duration
	dial      func(ctx context.Context, network, address string) (net.Conn, error)
}

func newTextClient(addresses []string, timeout time.Duration) (*textClient, error) {
	normalized := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	if len(normalized) == 0 {
		return nil, errors.New("at least one non-empty memcached address is required")
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &textClient{
		addresses: normalized,
		timeout:   timeout,
		dial:      (&net.Dialer{Timeout: timeout}).DialContext,
	}, nil
}

// add stores value only if key is absent. exptime is in memcached's
// format, see ttlToSeconds.
func (c *textClient) add(ctx context.Context, key string, value []byte, exptime int) error {
	return c.store(ctx, key, fmt.Sprintf("add %s 0 %d %d\r\n", key, exptime, len(value)), value)
}

// cas stores value only if key still carries the unique token.
func (c *textClient) cas(ctx context.Context, key string, value []byte, exptime int, token uint64) error {
	return c.store(ctx, key, fmt.Sprintf("cas %s 0 %d %d %d\r\n", key, exptime, len(value), token), value)
}

// gets returns the value and its cas token.
func (c *textClient) gets(ctx context.Context, key string) ([]byte, uint64, error) {
	conn, err := c.connect(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, fmt.Sprintf("gets %s\r\n", key)); err != nil {
		return nil, 0, err
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, 0, err
	}
	line = strings.TrimSpace(line)
	if line == "END" {
		return nil, 0, errNotFound
	}
	// VALUE <key> <flags> <bytes> <cas unique>
	parts := strings.Fields(line)
	if len(parts) != 5 || parts[0] != "VALUE" {
		return nil, 0, fmt.Errorf("unexpected memcached response: %s", line)
	}
	size, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, 0, fmt.Errorf("invalid memcached size: %w", err)
	}
	token, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid memcached cas token: %w", err)
	}
	payload := make([]byte, size+2)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, 0, err
	}
	endLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, 0, err
	}
	if strings.TrimSpace(endLine) != "END" {
		return nil, 0, fmt.Errorf("unexpected memcached terminator: %s", strings.TrimSpace(endLine))
	}
	return payload[:size], token, nil
}

func (c *textClient) delete(ctx context.Context, key string) error {
	line, err := c.command(ctx, key, fmt.Sprintf("delete %s\r\n", key))
	if err != nil {
		return err
	}
	switch line {
	case "DELETED":
		return nil
	case "NOT_FOUND":
		return errNotFound
	default:
		return fmt.Errorf("unexpected memcached delete response: %s", line)
	}
}

// version checks every server answers.
func (c *textClient) version(ctx context.Context) error {
	for _, addr := range c.addresses {
		conn, err := c.connectTo(ctx, addr)
		if err != nil {
			return err
		}
		line, err := roundTrip(conn, "version\r\n")
		_ = conn.Close()
		if err != nil {
			return err
		}
		if !strings.HasPrefix(line, "VERSION") {
			return fmt.Errorf("unexpected memcached version response from %s: %s", addr, line)
		}
	}
	return nil
}

func (c *textClient) store(ctx context.Context, key, header string, value []byte) error {
	conn, err := c.connect(ctx, key)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, header); err != nil {
		return err
	}
	if _, err := conn.Write(value); err != nil {
		return err
	}
	line, err := roundTrip(conn, "\r\n")
	if err != nil {
		return err
	}
	switch line {
	case "STORED":
		return nil
	case "NOT_STORED":
		return errNotStored
	case "EXISTS":
		return errExists
	case "NOT_FOUND":
		return errNotFound
	default:
		return fmt.Errorf("memcached store failed: %s", line)
	}
}

func (c *textClient) command(ctx context.Context, key, cmd string) (string, error) {
	conn, err := c.connect(ctx, key)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return roundTrip(conn, cmd)
}

func roundTrip(conn net.Conn, cmd string) (string, error) {
	if _, err := io.WriteString(conn, cmd); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *textClient) connect(ctx context.Context, key string) (net.Conn, error) {
	return c.connectTo(ctx, c.pickAddress(key))
}

func (c *textClient) connectTo(ctx context.Context, target string) (net.Conn, error) {
	conn, err := c.dial(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.timeout)
	if deadlineFromCtx, ok := ctx.Deadline(); ok && deadlineFromCtx.Before(deadline) {
		deadline = deadlineFromCtx
	}
	_ = conn.SetDeadline(deadline)
	return conn, nil
}

func (c *textClient) pickAddress(key string) string {
	if len(c.addresses) == 1 {
		return c.addresses[0]
	}
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	return c.addresses[int(hash.Sum32()%uint32(len(c.addresses)))]
}

// ttlToSeconds converts ttl to a memcached exptime. Past thirty days the
// server reads the value as an absolute unix time, computed from now.
func ttlToSeconds(ttl time.Duration, now time.Time) int {
	if ttl <= 0 {
		return 0
	}
	if ttl > absoluteTTLThreshold {
		return int(now.Add(ttl).Unix())
	}
	seconds := int(math.Ceil(ttl.Seconds()))
	if seconds <= 0 {
		return 1
	}
	return seconds
}
