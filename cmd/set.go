package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/geekxflood/proteus/internal/types"
	"github.com/spf13/cobra"
)

// setCmd represents the set command
var setCmd = &cobra.Command{
	Use:   "set OID TYPE VALUE [OID TYPE VALUE]...",
	Short: "Run a SET transaction in-process",
	Long: `Load the configured tables and seed files and run one SET transaction
through the test, commit and cleanup phases. Types follow snmpset:

  i  INTEGER         u  Gauge32        c  Counter32
  t  TimeTicks       s  OCTET STRING   x  hex OCTET STRING
  o  OBJECT IDENTIFIER                 a  IpAddress`,
	Example: `# Create a matrix control row
	proteus set 1.3.6.1.2.1.16.15.1.1.2.7 o 1.3.6.1.2.1.2.2.1.1.1 \
	            1.3.6.1.2.1.16.15.1.1.12.7 i 4`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 || len(args)%3 != 0 {
			return fmt.Errorf("expected OID TYPE VALUE triplets, got %d arguments", len(args))
		}
		return nil
	},
	RunE: runSet,
}

func init() {
	rootCmd.AddCommand(setCmd)
}

func runSet(cmd *cobra.Command, args []string) error {
	vbs, err := parseSetArgs(args)
	if err != nil {
		return err
	}

	application, done, err := newApplication()
	if err != nil {
		return err
	}
	defer done()

	resp, err := application.Set(context.Background(), vbs)
	if err != nil {
		return err
	}
	if resp.Error != types.ErrorStatusNoError {
		failed := ""
		if resp.Index > 0 && resp.Index <= len(vbs) {
			failed = " on " + vbs[resp.Index-1].OID.String()
		}
		return fmt.Errorf("set failed: %s (index %d)%s", types.ErrorStatusName(resp.Error), resp.Index, failed)
	}

	for _, vb := range vbs {
		fmt.Fprintln(cmd.OutOrStdout(), vb.String())
	}
	return nil
}

// parseSetArgs converts OID TYPE VALUE triplets to varbinds.
func parseSetArgs(args []string) ([]types.Varbind, error) {
	if len(args) == 0 || len(args)%3 != 0 {
		return nil, fmt.Errorf("expected OID TYPE VALUE triplets, got %d arguments", len(args))
	}

	vbs := make([]types.Varbind, 0, len(args)/3)
	for i := 0; i < len(args); i += 3 {
		oid, err := types.ParseOID(args[i])
		if err != nil {
			return nil, err
		}
		if len(oid) == 0 {
			return nil, fmt.Errorf("empty OID in varbind %d", i/3+1)
		}
		value, err := parseValue(args[i+1], args[i+2])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", args[i], err)
		}
		vbs = append(vbs, types.NewVarbind(oid, value))
	}
	return vbs, nil
}

func parseValue(kind, s string) (types.Value, error) {
	switch kind {
	case "i":
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return types.Value{}, fmt.Errorf("invalid INTEGER %q", s)
		}
		return types.Integer(n), nil
	case "u", "c", "t":
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return types.Value{}, fmt.Errorf("invalid unsigned value %q", s)
		}
		switch kind {
		case "u":
			return types.Gauge32(uint32(n)), nil
		case "c":
			return types.Counter32(uint32(n)), nil
		default:
			return types.TimeTicks(uint32(n)), nil
		}
	case "s":
		return types.OctetString([]byte(s)), nil
	case "x":
		b, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(s))
		if err != nil {
			return types.Value{}, fmt.Errorf("invalid hex string %q", s)
		}
		return types.OctetString(b), nil
	case "o":
		oid, err := types.ParseOID(s)
		if err != nil {
			return types.Value{}, err
		}
		return types.ObjectIdentifier(oid), nil
	case "a":
		ip := net.ParseIP(s).To4()
		if ip == nil {
			return types.Value{}, fmt.Errorf("invalid IpAddress %q", s)
		}
		return types.IPAddress([]byte(ip)), nil
	default:
		return types.Value{}, fmt.Errorf("unknown type %q", kind)
	}
}
