package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/pflag"

	"github.com/invoisio/ledger/internal/auth"
	"github.com/invoisio/ledger/internal/keys"
	"github.com/invoisio/ledger/internal/payment"
)

func parseFlags(name string, args []string, define func(fs *pflag.FlagSet)) (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("ledgerctl "+name, pflag.ContinueOnError)
	if define != nil {
		define(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs, nil
}

// oneArg returns the single positional argument a command takes.
func oneArg(fs *pflag.FlagSet, what string) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one %s argument", what)
	}
	return fs.Arg(0), nil
}

func loadKeys(paths []string) ([]solana.PrivateKey, error) {
	loaded := make([]solana.PrivateKey, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		key, err := keys.LoadFile(p)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, key)
	}
	if len(loaded) == 0 {
		return nil, errors.New("--key is required")
	}
	return loaded, nil
}

func runKeygen(_ context.Context, _ globals, args []string) error {
	var out string
	if _, err := parseFlags("keygen", args, func(fs *pflag.FlagSet) {
		fs.StringVarP(&out, "out", "o", "", "key file to create (required)")
	}); err != nil {
		return err
	}
	if out == "" {
		return errors.New("--out is required")
	}
	key, err := keys.Generate()
	if err != nil {
		return err
	}
	if err := keys.WriteFile(out, key); err != nil {
		return err
	}
	_, err = fmt.Fprintln(output, key.PublicKey().String())
	return err
}

func runPubkey(_ context.Context, _ globals, args []string) error {
	fs, err := parseFlags("pubkey", args, nil)
	if err != nil {
		return err
	}
	path, err := oneArg(fs, "key file")
	if err != nil {
		return err
	}
	key, err := keys.LoadFile(path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(output, key.PublicKey().String())
	return err
}

// runSign signs a message for a nonce obtained out of band.
func runSign(_ context.Context, _ globals, args []string) error {
	var keyPath, prefix, op, subject, nonce string
	if _, err := parseFlags("sign", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&keyPath, "key", "", "signing key file")
		fs.StringVar(&prefix, "prefix", "invoisio-ledger", "message prefix configured on the server")
		fs.StringVar(&op, "op", "", "operation name")
		fs.StringVar(&subject, "subject", "", "operation subject")
		fs.StringVar(&nonce, "nonce", "", "nonce issued by the server")
	}); err != nil {
		return err
	}
	if !auth.KnownOperation(op) {
		return fmt.Errorf("unknown operation %q", op)
	}
	if subject == "" || nonce == "" {
		return errors.New("--subject and --nonce are required")
	}
	signers, err := loadKeys([]string{keyPath})
	if err != nil {
		return err
	}
	proof, err := auth.Sign(signers[0], auth.FormatMessage(prefix, op, subject, nonce))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(output, "%s: %s\n%s: %s\n%s: %s\n",
		auth.HeaderSigner, proof.Signer,
		auth.HeaderMessage, proof.Message,
		auth.HeaderSignature, proof.Signature)
	return err
}

func runInit(ctx context.Context, g globals, args []string) error {
	var admin string
	if _, err := parseFlags("init", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&admin, "admin", "", "identity of the first admin")
	}); err != nil {
		return err
	}
	if _, err := payment.ParseIdentity(admin); err != nil {
		return fmt.Errorf("--admin: %w", err)
	}
	data, err := newClient(g.server, g.timeout).do(ctx, http.MethodPost, "/v1/ledger/initialize",
		map[string]string{"admin": admin})
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runAdmin(ctx context.Context, g globals, args []string) error {
	if _, err := parseFlags("admin", args, nil); err != nil {
		return err
	}
	data, err := newClient(g.server, g.timeout).do(ctx, http.MethodGet, "/v1/ledger/admin", nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runSetAdmin(ctx context.Context, g globals, args []string) error {
	var keyPaths []string
	var newAdmin string
	if _, err := parseFlags("set-admin", args, func(fs *pflag.FlagSet) {
		fs.StringSliceVar(&keyPaths, "key", nil, "new admin key file; repeat with the current admin's key when outgoing consent is required")
		fs.StringVar(&newAdmin, "new", "", "identity of the new admin")
	}); err != nil {
		return err
	}
	if _, err := payment.ParseIdentity(newAdmin); err != nil {
		return fmt.Errorf("--new: %w", err)
	}
	signers, err := loadKeys(keyPaths)
	if err != nil {
		return err
	}

	c := newClient(g.server, g.timeout)
	proofs, err := c.prove(ctx, auth.OpSetAdmin, newAdmin, signers...)
	if err != nil {
		return err
	}
	data, err := c.do(ctx, http.MethodPut, "/v1/ledger/admin", map[string]string{"newAdmin": newAdmin}, proofs...)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runRecord(ctx context.Context, g globals, args []string) error {
	var (
		keyPath string
		body    struct {
			InvoiceID   string `json:"invoiceId"`
			Payer       string `json:"payer"`
			AssetCode   string `json:"assetCode"`
			AssetIssuer string `json:"assetIssuer"`
			Amount      int64  `json:"amount"`
		}
	)
	if _, err := parseFlags("record", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&keyPath, "key", "", "admin key file")
		fs.StringVar(&body.InvoiceID, "invoice", "", "invoice id")
		fs.StringVar(&body.Payer, "payer", "", "payer identity")
		fs.StringVar(&body.AssetCode, "asset", payment.NativeAssetCode, "asset code")
		fs.StringVar(&body.AssetIssuer, "issuer", "", "asset issuer, empty for the native asset")
		fs.Int64Var(&body.Amount, "amount", 0, "amount in the asset's smallest unit")
	}); err != nil {
		return err
	}
	signers, err := loadKeys([]string{keyPath})
	if err != nil {
		return err
	}

	c := newClient(g.server, g.timeout)
	proofs, err := c.prove(ctx, auth.OpRecordPayment, body.InvoiceID, signers...)
	if err != nil {
		return err
	}
	data, err := c.do(ctx, http.MethodPost, "/v1/payments", body, proofs...)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runGet(ctx context.Context, g globals, args []string) error {
	return invoiceQuery(ctx, g, "get", args, "")
}

func runHas(ctx context.Context, g globals, args []string) error {
	return invoiceQuery(ctx, g, "has", args, "/exists")
}

func invoiceQuery(ctx context.Context, g globals, name string, args []string, suffix string) error {
	fs, err := parseFlags(name, args, nil)
	if err != nil {
		return err
	}
	invoiceID, err := oneArg(fs, "invoice id")
	if err != nil {
		return err
	}
	data, err := newClient(g.server, g.timeout).do(ctx, http.MethodGet, "/v1/payments/"+escape(invoiceID)+suffix, nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runCount(ctx context.Context, g globals, args []string) error {
	if _, err := parseFlags("count", args, nil); err != nil {
		return err
	}
	data, err := newClient(g.server, g.timeout).do(ctx, http.MethodGet, "/v1/payments/count", nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runDeliveries(ctx context.Context, g globals, args []string) error {
	var keyPath, status string
	var limit int
	if _, err := parseFlags("deliveries", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&keyPath, "key", "", "admin key file")
		fs.StringVar(&status, "status", "", "filter by status (pending, processing, failed, succeeded)")
		fs.IntVar(&limit, "limit", 100, "maximum deliveries to list")
	}); err != nil {
		return err
	}
	signers, err := loadKeys([]string{keyPath})
	if err != nil {
		return err
	}

	c := newClient(g.server, g.timeout)
	proofs, err := c.prove(ctx, auth.OpListDeliveries, auth.DeliveryListSubject, signers...)
	if err != nil {
		return err
	}
	path := "/v1/admin/webhooks?limit=" + strconv.Itoa(limit)
	if status != "" {
		path += "&status=" + escape(status)
	}
	data, err := c.do(ctx, http.MethodGet, path, nil, proofs...)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runDelivery(ctx context.Context, g globals, args []string) error {
	return deliveryCall(ctx, g, "delivery", args, auth.OpListDeliveries, http.MethodGet, "")
}

func runRetry(ctx context.Context, g globals, args []string) error {
	return deliveryCall(ctx, g, "retry", args, auth.OpRetryDelivery, http.MethodPost, "/retry")
}

func deliveryCall(ctx context.Context, g globals, name string, args []string, op, method, suffix string) error {
	var keyPath string
	fs, err := parseFlags(name, args, func(fs *pflag.FlagSet) {
		fs.StringVar(&keyPath, "key", "", "admin key file")
	})
	if err != nil {
		return err
	}
	id, err := oneArg(fs, "delivery id")
	if err != nil {
		return err
	}
	signers, err := loadKeys([]string{keyPath})
	if err != nil {
		return err
	}

	c := newClient(g.server, g.timeout)
	proofs, err := c.prove(ctx, op, id, signers...)
	if err != nil {
		return err
	}
	data, err := c.do(ctx, method, "/v1/admin/webhooks/"+escape(id)+suffix, nil, proofs...)
	if err != nil {
		return err
	}
	return printJSON(data)
}
