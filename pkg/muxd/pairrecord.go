package muxd

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/iosmux/pkg/plist"
)

// PairRecord is the host/device trust material usbmuxd hands back for
// a paired UDID: certificates and keys used to promote a lockdown
// session to TLS, plus the escrow bag some services require. Tags
// mirror the field names usbmuxd's ReadPairRecord reply uses on the
// wire (mapstructure) and the snake_case form used when a record is
// persisted to YAML or the pair-record cache (yaml); validate enforces
// that the three fields every TLS upgrade depends on are non-empty.
type PairRecord struct {
	DeviceCertificate []byte `mapstructure:"DeviceCertificate" validate:"required" yaml:"device_certificate"`
	HostCertificate   []byte `mapstructure:"HostCertificate"   validate:"required" yaml:"host_certificate"`
	HostPrivateKey    []byte `mapstructure:"HostPrivateKey"    validate:"required" yaml:"host_private_key"`
	HostID            string `mapstructure:"HostID"            yaml:"host_id,omitempty"`
	SystemBUID        string `mapstructure:"SystemBUID"        yaml:"system_buid,omitempty"`
	EscrowBag         []byte `mapstructure:"EscrowBag"         yaml:"escrow_bag,omitempty"`
}

// pairRecordFromPlist decodes the embedded plist usbmuxd returns for
// ReadPairRecord into a PairRecord via mapstructure, then validates
// the decoded result: a reply missing a host certificate or key is
// rejected here rather than surfacing as a confusing TLS handshake
// failure further down the dial path.
func pairRecordFromPlist(d *plist.Dict) (PairRecord, error) {
	var rec PairRecord
	if err := mapstructure.Decode(dictToMap(d), &rec); err != nil {
		return PairRecord{}, fmt.Errorf("decode pair record: %w", err)
	}
	if err := validator.New().Struct(&rec); err != nil {
		return PairRecord{}, fmt.Errorf("invalid pair record: %w", err)
	}
	return rec, nil
}

func dictToMap(d *plist.Dict) map[string]any {
	out := make(map[string]any, d.Len())
	for _, k := range d.Keys() {
		v, _ := d.Get(k)
		out[k] = v
	}
	return out
}
