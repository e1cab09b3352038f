package board

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/hongjun500/whiteboard-go/internal/protocol"
)

// 线格式分隔符
const (
	NameSep  = ":" // host:port:boardid
	FieldSep = "%" // name%version%path%path...
	pointSep = ";" // color;x,y;x,y
	coordSep = ","
)

var (
	boardIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	colorPattern   = regexp.MustCompile(`^([a-z]+|#[0-9a-f]{6})$`)
)

// ErrInvalidPath is a path whose wire form would not parse back. It is a
// malformed envelope when it arrives from the network.
var ErrInvalidPath = errors.Wrap(protocol.ErrMalformedEnvelope, "invalid path")

func malformed(format string, args ...any) error {
	return errors.Wrapf(protocol.ErrMalformedEnvelope, format, args...)
}

// Point 画布坐标
type Point struct {
	X, Y int
}

// Path is one stroke: a color and the points it passes through, in order.
type Path struct {
	Color  string
	Points []Point
}

func NewPath(color string, pts ...Point) Path {
	return Path{Color: color, Points: pts}
}

// String encodes the path as "color;x,y;x,y".
func (p Path) String() string {
	var b strings.Builder
	b.WriteString(p.Color)
	for _, pt := range p.Points {
		b.WriteString(pointSep)
		b.WriteString(strconv.Itoa(pt.X))
		b.WriteString(coordSep)
		b.WriteString(strconv.Itoa(pt.Y))
	}
	return b.String()
}

func (p Path) Equal(o Path) bool {
	if p.Color != o.Color || len(p.Points) != len(o.Points) {
		return false
	}
	for i := range p.Points {
		if p.Points[i] != o.Points[i] {
			return false
		}
	}
	return true
}

// Validate reports whether p survives a String/ParsePath round trip: a
// lowercase color name or #rrggbb, and at least one point.
func (p Path) Validate() error {
	if !colorPattern.MatchString(p.Color) {
		return errors.Wrapf(ErrInvalidPath, "color %q", p.Color)
	}
	if len(p.Points) == 0 {
		return errors.Wrap(ErrInvalidPath, "no points")
	}
	return nil
}

// ParsePath decodes a path token.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(s, pointSep)
	if len(parts) < 2 {
		return Path{}, malformed("path %q has no points", s)
	}
	if !colorPattern.MatchString(parts[0]) {
		return Path{}, malformed("path color %q", parts[0])
	}
	p := Path{Color: parts[0], Points: make([]Point, 0, len(parts)-1)}
	for _, raw := range parts[1:] {
		xs, ys, ok := strings.Cut(raw, coordSep)
		if !ok {
			return Path{}, malformed("path point %q", raw)
		}
		x, err := strconv.Atoi(xs)
		if err != nil {
			return Path{}, malformed("path point %q", raw)
		}
		y, err := strconv.Atoi(ys)
		if err != nil {
			return Path{}, malformed("path point %q", raw)
		}
		p.Points = append(p.Points, Point{X: x, Y: y})
	}
	return p, nil
}

// Name is a board's global identity: the owning peer's host and port plus a
// board id unique on that peer.
type Name struct {
	Host string
	Port int
	ID   string
}

func (n Name) String() string {
	return n.Host + NameSep + strconv.Itoa(n.Port) + NameSep + n.ID
}

// PeerID is the owner's "host:port" identity.
func (n Name) PeerID() string {
	return n.Host + NameSep + strconv.Itoa(n.Port)
}

// PeerAddr is the owner's dialable address.
func (n Name) PeerAddr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n Name) Valid() bool {
	return n.Host != "" && !strings.ContainsAny(n.Host, NameSep+FieldSep) &&
		n.Port > 0 && n.Port < 65536 && boardIDPattern.MatchString(n.ID)
}

// ParseName decodes "host:port:boardid".
func ParseName(s string) (Name, error) {
	parts := strings.Split(s, NameSep)
	if len(parts) != 3 {
		return Name{}, malformed("board name %q", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return Name{}, malformed("board name %q: port", s)
	}
	n := Name{Host: parts[0], Port: port, ID: parts[2]}
	if !n.Valid() {
		return Name{}, malformed("board name %q", s)
	}
	return n, nil
}

// Data is a board snapshot as carried on the wire: "name%version%path%path".
// Update requests reuse the format with zero paths (undo, clear) or one.
type Data struct {
	Name    Name
	Version int
	Paths   []Path
}

func (d Data) String() string {
	var b strings.Builder
	b.WriteString(d.Name.String())
	b.WriteString(FieldSep)
	b.WriteString(strconv.Itoa(d.Version))
	for _, p := range d.Paths {
		b.WriteString(FieldSep)
		b.WriteString(p.String())
	}
	return b.String()
}

// ParseData decodes a snapshot or an update payload.
func ParseData(s string) (Data, error) {
	parts := strings.Split(s, FieldSep)
	if len(parts) < 2 {
		return Data{}, malformed("board data %q", s)
	}
	name, err := ParseName(parts[0])
	if err != nil {
		return Data{}, err
	}
	v, err := strconv.Atoi(parts[1])
	if err != nil || v < 0 {
		return Data{}, malformed("board data %q: version", s)
	}
	d := Data{Name: name, Version: v}
	for _, raw := range parts[2:] {
		if raw == "" {
			continue
		}
		p, err := ParsePath(raw)
		if err != nil {
			return Data{}, err
		}
		d.Paths = append(d.Paths, p)
	}
	return d, nil
}
