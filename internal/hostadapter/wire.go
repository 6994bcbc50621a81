package hostadapter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Request is one client request to the helper, framed as newline-terminated
// JSON (spec.md §6). RequestID is client-chosen and echoed in the Response.
type Request struct {
	RequestID string  `json:"request_id"`
	Command   Command `json:"command"`
}

// Response answers a Request by RequestID, carrying one tagged Result
// (spec.md §6).
type Response struct {
	RequestID string `json:"request_id"`
	Result    Result `json:"result"`
}

// Command is the tagged union `{"Address":…}|{"Network":…}|{"Service":…}|"Ping"`
// from spec.md §6, hand-marshaled to match that exact shape.
type Command struct {
	Kind    string
	Address *AddressCommand
	Network *NetworkCommand
	Service string
}

func PingCommand() Command                      { return Command{Kind: "Ping"} }
func AddressCmd(c AddressCommand) Command        { return Command{Kind: "Address", Address: &c} }
func NetworkCmd(c NetworkCommand) Command        { return Command{Kind: "Network", Network: &c} }
func ServiceCmd(action string) Command           { return Command{Kind: "Service", Service: action} }

func (c Command) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case "Ping":
		return json.Marshal("Ping")
	case "Address":
		return json.Marshal(map[string]AddressCommand{"Address": *c.Address})
	case "Network":
		return json.Marshal(map[string]NetworkCommand{"Network": *c.Network})
	case "Service":
		return json.Marshal(map[string]string{"Service": c.Service})
	default:
		return nil, fmt.Errorf("hostadapter: command has no kind set")
	}
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare != "Ping" {
			return fmt.Errorf("hostadapter: unknown bare command %q", bare)
		}
		c.Kind = "Ping"
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("hostadapter: malformed command: %w", err)
	}
	if raw, ok := obj["Address"]; ok {
		c.Kind = "Address"
		c.Address = &AddressCommand{}
		return json.Unmarshal(raw, c.Address)
	}
	if raw, ok := obj["Network"]; ok {
		c.Kind = "Network"
		c.Network = &NetworkCommand{}
		return json.Unmarshal(raw, c.Network)
	}
	if raw, ok := obj["Service"]; ok {
		c.Kind = "Service"
		return json.Unmarshal(raw, &c.Service)
	}
	return fmt.Errorf("hostadapter: unrecognized command shape")
}

// AddressCommand is `{"Allocate":{"service_name":…}} | {"Release":{"address":…}} | "List"`.
type AddressCommand struct {
	Op          string
	ServiceName string
	Address     string
}

func (c AddressCommand) MarshalJSON() ([]byte, error) {
	switch c.Op {
	case "List":
		return json.Marshal("List")
	case "Allocate":
		return json.Marshal(map[string]map[string]string{"Allocate": {"service_name": c.ServiceName}})
	case "Release":
		return json.Marshal(map[string]map[string]string{"Release": {"address": c.Address}})
	default:
		return nil, fmt.Errorf("hostadapter: address command has no op set")
	}
}

func (c *AddressCommand) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare != "List" {
			return fmt.Errorf("hostadapter: unknown bare address command %q", bare)
		}
		c.Op = "List"
		return nil
	}
	var obj map[string]map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("hostadapter: malformed address command: %w", err)
	}
	if fields, ok := obj["Allocate"]; ok {
		c.Op = "Allocate"
		c.ServiceName = fields["service_name"]
		return nil
	}
	if fields, ok := obj["Release"]; ok {
		c.Op = "Release"
		c.Address = fields["address"]
		return nil
	}
	return fmt.Errorf("hostadapter: unrecognized address command shape")
}

// NetworkCommand is `{"Add":{"address":…}} | {"Remove":{"address":…}} | "List"`.
type NetworkCommand struct {
	Op      string
	Address string
}

func (c NetworkCommand) MarshalJSON() ([]byte, error) {
	switch c.Op {
	case "List":
		return json.Marshal("List")
	case "Add":
		return json.Marshal(map[string]map[string]string{"Add": {"address": c.Address}})
	case "Remove":
		return json.Marshal(map[string]map[string]string{"Remove": {"address": c.Address}})
	default:
		return nil, fmt.Errorf("hostadapter: network command has no op set")
	}
}

func (c *NetworkCommand) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare != "List" {
			return fmt.Errorf("hostadapter: unknown bare network command %q", bare)
		}
		c.Op = "List"
		return nil
	}
	var obj map[string]map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("hostadapter: malformed network command: %w", err)
	}
	if fields, ok := obj["Add"]; ok {
		c.Op = "Add"
		c.Address = fields["address"]
		return nil
	}
	if fields, ok := obj["Remove"]; ok {
		c.Op = "Remove"
		c.Address = fields["address"]
		return nil
	}
	return fmt.Errorf("hostadapter: unrecognized network command shape")
}

// Allocation is one entry of a Result's Allocations list: a service's
// currently bound pool address.
type Allocation struct {
	ServiceName string `json:"service_name"`
	Address     string `json:"address"`
}

// Result is the tagged union `"Success" | {"Error":…} | {"String":…} |
// {"List":[…]} | {"Allocations":[…]}` from spec.md §6.
type Result struct {
	Kind        string
	Error       string
	String      string
	List        []string
	Allocations []Allocation
}

func SuccessResult() Result                   { return Result{Kind: "Success"} }
func ErrorResult(msg string) Result           { return Result{Kind: "Error", Error: msg} }
func StringResult(msg string) Result          { return Result{Kind: "String", String: msg} }
func ListResult(items []string) Result        { return Result{Kind: "List", List: items} }
func AllocationsResult(a []Allocation) Result { return Result{Kind: "Allocations", Allocations: a} }

func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case "Success":
		return json.Marshal("Success")
	case "Error":
		return json.Marshal(map[string]string{"Error": r.Error})
	case "String":
		return json.Marshal(map[string]string{"String": r.String})
	case "List":
		return json.Marshal(map[string][]string{"List": r.List})
	case "Allocations":
		return json.Marshal(map[string][]Allocation{"Allocations": r.Allocations})
	default:
		return nil, fmt.Errorf("hostadapter: result has no kind set")
	}
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare != "Success" {
			return fmt.Errorf("hostadapter: unknown bare result %q", bare)
		}
		r.Kind = "Success"
		return nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("hostadapter: malformed result: %w", err)
	}
	if raw, ok := probe["Error"]; ok {
		r.Kind = "Error"
		return json.Unmarshal(raw, &r.Error)
	}
	if raw, ok := probe["String"]; ok {
		r.Kind = "String"
		return json.Unmarshal(raw, &r.String)
	}
	if raw, ok := probe["List"]; ok {
		r.Kind = "List"
		return json.Unmarshal(raw, &r.List)
	}
	if raw, ok := probe["Allocations"]; ok {
		r.Kind = "Allocations"
		return json.Unmarshal(raw, &r.Allocations)
	}
	return fmt.Errorf("hostadapter: unrecognized result shape")
}

// writeFrame writes v as a single line of JSON terminated by '\n' (spec.md
// §6: "newline-terminated JSON").
func writeFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// readFrame reads one newline-terminated JSON line into v (spec.md §6:
// "server reads until short-read then parses").
func readFrame(r *bufio.Reader, v interface{}) error {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return err
	}
	return json.Unmarshal(line, v)
}
