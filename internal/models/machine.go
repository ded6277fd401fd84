package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Machine states reported by the service.
const (
	StateLaunching = "launching"
	StateIdle      = "idle"
	StateKilled    = "killed"
)

// Machine is a compute instance as returned by the machines, launch and
// kill endpoints. Shared between the presentation layer and the simulator.
type Machine struct {
	ID           string `json:"_id"`
	DNSName      string `json:"DNSName"`
	LicenseType  string `json:"licenseType"`
	State        string `json:"state"`
	MachineType  string `json:"machineType"`
	Region       string `json:"region"`
	IdleShutdown Scalar `json:"idleShutdown"`
	UserPassword string `json:"userPassword"`
	CreateTime   string `json:"createTime"`
	LicenseID    Scalar `json:"licenseId"`
	GRBVersion   string `json:"GRBVersion,omitempty"`

	// Account is the owning access id. The service never returns it.
	Account string `json:"-"`
}

// License is an entry of the licenses endpoint.
type License struct {
	LicenseID  Scalar `json:"licenseId"`
	Credit     Scalar `json:"credit"`
	RatePlan   string `json:"ratePlan"`
	Expiration string `json:"expiration"`
}

// Scalar holds a JSON string, number or boolean as text. Fields the service
// has sent both quoted and unquoted decode into it.
type Scalar string

func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v.(type) {
	case json.Number, bool:
		*s = Scalar(fmt.Sprint(v))
		return nil
	}
	return fmt.Errorf("scalar: unexpected JSON %s", data)
}

func (s Scalar) String() string { return string(s) }
