package protocol

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Reply type tokens.
const (
	ReplyAck       = "ack"
	ReplyError     = "error"
	ReplyInt       = "int"
	ReplyIntList   = "intlist"
	ReplyFloatList = "floatlist"
	ReplyBytesList = "bytearraylist"
	ReplyBool      = "bool"
	ReplyMap       = "map"
	ReplyNode      = "node"
)

// Template formats a command template "<opcode> <newHandleCount> <args...>".
func Template(opcode string, newHandles int, args ...string) string {
	parts := make([]string, 0, len(args)+2)
	parts = append(parts, opcode, strconv.Itoa(newHandles))
	parts = append(parts, args...)
	return strings.Join(parts, " ")
}

// Bind inserts freshly allocated handles into a template, producing the wire
// form "<opcode> <n> <h1..hn> <args...>".
func Bind(template string, handles []string) (string, error) {
	fields := strings.Fields(template)
	if len(fields) < 2 {
		return "", fmt.Errorf("malformed command template %q", template)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n != len(handles) {
		return "", fmt.Errorf("command template %q expects %s new handles, got %d", template, fields[1], len(handles))
	}
	out := make([]string, 0, len(fields)+n)
	out = append(out, fields[:2]...)
	out = append(out, handles...)
	out = append(out, fields[2:]...)
	return strings.Join(out, " "), nil
}

// Opcode returns the first token of a command.
func Opcode(command string) string {
	if i := strings.IndexByte(command, ' '); i >= 0 {
		return command[:i]
	}
	return command
}

// Result is one "<kind> <typecode> <handle>" triple.
type Result struct {
	Kind     Kind
	TypeCode TypeCode
	Handle   string
}

func (r Result) String() string {
	return fmt.Sprintf("%s %s %s", r.Kind, r.TypeCode, r.Handle)
}

// FormatResults encodes a handle reply.
func FormatResults(rs ...Result) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}

// ParseResults decodes a handle reply.
func ParseResults(reply string) ([]Result, error) {
	fields := strings.Fields(reply)
	if len(fields)%3 != 0 {
		return nil, fmt.Errorf("malformed handle reply %q", reply)
	}
	out := make([]Result, 0, len(fields)/3)
	for i := 0; i < len(fields); i += 3 {
		kind := Kind(fields[i])
		if kind != KindArray && kind != KindListMap {
			return nil, fmt.Errorf("unexpected reply kind %q", fields[i])
		}
		out = append(out, Result{Kind: kind, TypeCode: TypeCode(fields[i+1]), Handle: fields[i+2]})
	}
	return out, nil
}

// MapEntry is one element of a "map" reply: the handle a sender's value was
// stored under on its receivers.
type MapEntry struct {
	NodeID int
	Result
}

// FormatMap encodes a transmit result.
func FormatMap(entries []MapEntry) string {
	var sb strings.Builder
	sb.WriteString(ReplyMap)
	for _, e := range entries {
		fmt.Fprintf(&sb, " %d %s", e.NodeID, e.Result)
	}
	return sb.String()
}

// ParseMap decodes a transmit result.
func ParseMap(reply string) ([]MapEntry, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 || fields[0] != ReplyMap || (len(fields)-1)%4 != 0 {
		return nil, fmt.Errorf("malformed map reply %q", reply)
	}
	var out []MapEntry
	for i := 1; i < len(fields); i += 4 {
		id, err := strconv.Atoi(fields[i])
		if err != nil {
			return nil, fmt.Errorf("malformed node id in map reply: %w", err)
		}
		out = append(out, MapEntry{
			NodeID: id,
			Result: Result{Kind: Kind(fields[i+1]), TypeCode: TypeCode(fields[i+2]), Handle: fields[i+3]},
		})
	}
	return out, nil
}

// FormatError encodes an error reply.
func FormatError(msg string) string {
	return ReplyError + " " + msg
}

// ParseError reports whether reply is an error reply and returns its message.
func ParseError(reply string) (string, bool) {
	if reply == ReplyError {
		return "", true
	}
	if strings.HasPrefix(reply, ReplyError+" ") {
		return reply[len(ReplyError)+1:], true
	}
	return "", false
}

func FormatInt(v int64) string {
	return ReplyInt + " " + strconv.FormatInt(v, 10)
}

func ParseInt(reply string) (int64, error) {
	fields := strings.Fields(reply)
	if len(fields) != 2 || fields[0] != ReplyInt {
		return 0, fmt.Errorf("malformed int reply %q", reply)
	}
	return strconv.ParseInt(fields[1], 10, 64)
}

func FormatBool(v bool) string {
	if v {
		return ReplyBool + " 1"
	}
	return ReplyBool + " 0"
}

func ParseBool(reply string) (bool, error) {
	switch reply {
	case ReplyBool + " 1":
		return true, nil
	case ReplyBool + " 0":
		return false, nil
	}
	return false, fmt.Errorf("malformed bool reply %q", reply)
}

func FormatIntList(vs []int64) string {
	var sb strings.Builder
	sb.WriteString(ReplyIntList)
	for _, v := range vs {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatInt(v, 10))
	}
	return sb.String()
}

func ParseIntList(reply string) ([]int64, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 || fields[0] != ReplyIntList {
		return nil, fmt.Errorf("malformed intlist reply %q", reply)
	}
	out := make([]int64, len(fields)-1)
	for i, f := range fields[1:] {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func FormatFloatList(vs []float64) string {
	var sb strings.Builder
	sb.WriteString(ReplyFloatList)
	for _, v := range vs {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return sb.String()
}

func ParseFloatList(reply string) ([]float64, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 || fields[0] != ReplyFloatList {
		return nil, fmt.Errorf("malformed floatlist reply %q", reply)
	}
	out := make([]float64, len(fields)-1)
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// FormatBytesList hex-encodes each element.
func FormatBytesList(vs [][]byte) string {
	var sb strings.Builder
	sb.WriteString(ReplyBytesList)
	for _, v := range vs {
		sb.WriteByte(' ')
		sb.WriteString(hex.EncodeToString(v))
	}
	return sb.String()
}

func ParseBytesList(reply string) ([][]byte, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 || fields[0] != ReplyBytesList {
		return nil, fmt.Errorf("malformed bytearraylist reply %q", reply)
	}
	out := make([][]byte, len(fields)-1)
	for i, f := range fields[1:] {
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// FormatNode encodes the identity reply of the init command.
func FormatNode(n Node) string {
	return fmt.Sprintf("%s %d %s", ReplyNode, n.ID, n.Name)
}

func ParseNode(reply string) (Node, error) {
	fields := strings.Fields(reply)
	if len(fields) != 3 || fields[0] != ReplyNode {
		return Node{}, fmt.Errorf("malformed node reply %q", reply)
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return Node{}, err
	}
	return Node{ID: id, Name: fields[2]}, nil
}

// LengthRef refers to a per-node length held in a length-1 int array, for
// commands whose length operand may differ between nodes.
func LengthRef(handle string) string {
	return "@" + handle
}

// DirectoryEntry encodes a node and its transport address as "id~name~addr"
// for netinit.
func DirectoryEntry(n Node, addr string) string {
	return fmt.Sprintf("%d~%s~%s", n.ID, n.Name, addr)
}

// ParseDirectoryEntry reverses DirectoryEntry.
func ParseDirectoryEntry(s string) (Node, string, error) {
	parts := strings.SplitN(s, "~", 3)
	if len(parts) != 3 {
		return Node{}, "", fmt.Errorf("malformed directory entry %q", s)
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return Node{}, "", fmt.Errorf("malformed directory entry %q: %w", s, err)
	}
	return Node{ID: id, Name: parts[1]}, parts[2], nil
}
