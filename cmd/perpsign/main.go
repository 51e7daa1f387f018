// perpsign signs settlement messages offline. The message body is read as
// JSON from --in or stdin and the result is printed as JSON.
package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

const defaultChainID = 42161

type options struct {
	chainID    int64
	contract   string
	domainName string
	version    string
	key        string
	in         string
}

// Result is the output of sign and hash.
type Result struct {
	Kind      string          `json:"kind"`
	Domain    verifier.Domain `json:"domain"`
	Hash      common.Hash     `json:"hash"`
	Signer    *common.Address `json:"signer,omitempty"`
	Signature hexutil.Bytes   `json:"signature,omitempty"`
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "perpsign:", err)
		os.Exit(1)
	}
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "perpsign",
		Short:         "Hash and sign EIP-712 settlement messages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)

	flags := root.PersistentFlags()
	flags.Int64Var(&opts.chainID, "chain-id", defaultChainID, "EIP-712 chain id")
	flags.StringVar(&opts.contract, "contract", "", "verifying contract address (required)")
	flags.StringVar(&opts.domainName, "domain-name", "", "override the domain name of the message's verifier")
	flags.StringVar(&opts.version, "domain-version", "1.0.0", "EIP-712 domain version")
	flags.StringVar(&opts.in, "in", "-", "message JSON file, - for stdin")

	sign := &cobra.Command{
		Use:   "sign <kind>",
		Short: "Sign a message with a secp256k1 key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyHex := opts.key
			if keyHex == "" {
				keyHex = os.Getenv("PERP_SIGNER_KEY")
			}
			if keyHex == "" {
				return fmt.Errorf("no key: set --key or PERP_SIGNER_KEY")
			}
			key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
			if err != nil {
				return fmt.Errorf("parse key: %w", err)
			}
			res, err := run(cmd, opts, args[0], key)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	sign.Flags().StringVar(&opts.key, "key", "", "hex private key (default $PERP_SIGNER_KEY)")

	hash := &cobra.Command{
		Use:   "hash <kind>",
		Short: "Print the typed-data hash of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := run(cmd, opts, args[0], nil)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	types := &cobra.Command{
		Use:   "types",
		Short: "List message kinds and their EIP-712 type strings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			for _, name := range kindNames() {
				k := kinds[name]
				msg, err := k.decode([]byte("{}"))
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Fprintf(out, "%-28s %-10s %s\n", name, k.verifier, verifier.TypeString(msg))
			}
			return nil
		},
	}

	root.AddCommand(sign, hash, types)
	return root
}

// run decodes the message and hashes it, signing when key is set.
func run(cmd *cobra.Command, opts *options, kindName string, key *ecdsa.PrivateKey) (*Result, error) {
	k, err := lookupKind(kindName)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(opts.contract) {
		return nil, fmt.Errorf("--contract: invalid address %q", opts.contract)
	}

	data, err := readInput(cmd.InOrStdin(), opts.in)
	if err != nil {
		return nil, err
	}
	msg, err := k.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kindName, err)
	}

	name := opts.domainName
	if name == "" {
		name = domainNames[k.verifier]
	}
	domain := verifier.Domain{
		Name:              name,
		Version:           opts.version,
		ChainID:           opts.chainID,
		VerifyingContract: common.HexToAddress(opts.contract),
	}

	h, err := verifier.HashTypedData(domain, msg)
	if err != nil {
		return nil, err
	}
	res := &Result{Kind: kindName, Domain: domain, Hash: h}
	if key == nil {
		return res, nil
	}

	sig, err := verifier.Sign(domain, msg, key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	if want := msg.Authorization().Signer; want != signer {
		return nil, fmt.Errorf("key is %s but the message names signer %s", signer.Hex(), want.Hex())
	}
	res.Signer = &signer
	res.Signature = sig
	return res, nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
