// Package telemetry forwards simulated vehicle positions to an AVL server
// over TCP as Teltonika-style position packets.
package telemetry

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/musthaq16/zone-drive-simulator/internal/log"
	"github.com/musthaq16/zone-drive-simulator/types"
)

// PacketTemplate is a captured codec 8E position record. Timestamp,
// coordinates and CRC are patched per packet.
const PacketTemplate = "000000000000009E8E0100000190DA491CD8003DE3607E00C846B4000F00F50C000B0000001F000F00EF0100F001001505004501007100001E00001F4000205600251400272700326500352702F70400F60000FC00000C00B5000E00B60008004235A70018000B00430000004400000024065200280E09002A00FA002B0000003127C700333506000400F10000CD1900C7000001AF00100020E9DC000C000354A6000000000100001CDB"

// DefaultWriteTimeout bounds a single packet write so a peer that stops
// reading cannot stall the caller.
const DefaultWriteTimeout = 100 * time.Millisecond

// Client sends positions over an established connection. It satisfies
// simulator.Renderer; write failures are logged and otherwise ignored.
type Client struct {
	mu           sync.Mutex
	conn         io.WriteCloser
	template     []byte
	now          func() time.Time
	writeTimeout time.Duration
	lg           *log.Logger
}

// writeDeadliner is implemented by net.Conn.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Dial connects to address and sends the IMEI login packet.
func Dial(ctx context.Context, address, imei string, lg *log.Logger) (*Client, error) {
	login, err := CreateLoginPacket(imei)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("TCP connection failed: %w", err)
	}
	if _, err := conn.Write(login); err != nil {
		conn.Close()
		return nil, fmt.Errorf("login packet send failed: %w", err)
	}
	lg.Info("Login packet sent", slog.String("packet", fmt.Sprintf("%X", login)))

	return NewClient(conn, lg)
}

// NewClient wraps an already logged-in connection.
func NewClient(conn io.WriteCloser, lg *log.Logger) (*Client, error) {
	tmpl, err := hex.DecodeString(PacketTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to decode packet template: %w", err)
	}
	return &Client{
		conn:         conn,
		template:     tmpl,
		now:          time.Now,
		writeTimeout: DefaultWriteTimeout,
		lg:           lg,
	}, nil
}

// SetWriteTimeout changes the per-packet write deadline. Zero disables it.
func (c *Client) SetWriteTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimeout = d
}

func (c *Client) ShowZone(types.Coordinate, float64) {}

func (c *Client) PlaceVehicle(at types.Coordinate) { c.send(at) }

func (c *Client) MoveVehicle(at types.Coordinate) { c.send(at) }

func (c *Client) send(at types.Coordinate) {
	pkt := GeneratePacket(c.template, c.now(), at.Lat, at.Lon)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if d, ok := c.conn.(writeDeadliner); ok && c.writeTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.lg.Warn("Setting write deadline failed", slog.Any("error", err))
		}
	}
	if _, err := c.conn.Write(pkt); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			c.lg.Warn("Position packet dropped, peer not reading", slog.Duration("timeout", c.writeTimeout))
			return
		}
		c.lg.Warn("Position packet send failed", slog.Any("error", err))
		return
	}
	c.lg.Debug("Position packet sent", slog.String("at", at.String()))
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// CreateLoginPacket builds 0x000F followed by the 15 ASCII IMEI digits.
func CreateLoginPacket(imei string) ([]byte, error) {
	if len(imei) != 15 {
		return nil, fmt.Errorf("IMEI must be 15 digits")
	}
	packet := make([]byte, 2+15)
	packet[0] = 0x00
	packet[1] = 0x0F
	copy(packet[2:], imei)
	return packet, nil
}

// GeneratePacket patches a copy of template with the timestamp and
// coordinates and recomputes the CRC.
func GeneratePacket(template []byte, ts time.Time, lat, lon float64) []byte {
	packet := make([]byte, len(template))
	copy(packet, template)

	binary.BigEndian.PutUint64(packet[10:18], uint64(ts.UnixMilli()))

	latInt := int32(math.Round(lat * 1e7))
	lonInt := int32(math.Round(lon * 1e7))
	binary.BigEndian.PutUint32(packet[19:23], uint32(lonInt))
	binary.BigEndian.PutUint32(packet[23:27], uint32(latInt))

	crc := CRC16IBM(packet[8 : len(packet)-4])
	binary.BigEndian.PutUint32(packet[len(packet)-4:], uint32(crc))

	return packet
}

// CRC16IBM computes CRC-16/IBM (reflected 0x8005, zero init).
func CRC16IBM(data []byte) uint16 {
	var crc uint16
	const polynomial = 0xA001

	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ polynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
