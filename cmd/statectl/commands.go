package main

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/snapshots"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_transition"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_transition/ledger"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/trie"
)

var genesisCommand = cli.Command{
	Name:      "genesis",
	Usage:     "commit version 0",
	ArgsUsage: "[KEY=VALUE...]",
	Action: action(func(ctx *cli.Context, e *env) error {
		cs := state_common.NewChangeset()
		for _, arg := range ctx.Args() {
			kv := strings.SplitN(arg, "=", 2)
			if len(kv) != 2 {
				return cli.NewExitError(fmt.Sprintf("expected KEY=VALUE, got %q", arg), 2)
			}
			cs.Put([]byte(kv[0]), []byte(kv[1]))
		}
		root, err := e.api.Store().InitGenesis(cs)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "version 0 root %s\n", root.Hex())
		return nil
	}),
}

var infoCommand = cli.Command{
	Name:  "info",
	Usage: "print the tip, its root and the retained versions",
	Action: action(func(ctx *cli.Context, e *env) error {
		store := e.api.Store()
		tip, ok := store.Tip()
		if !ok {
			fmt.Fprintln(e.out, "empty store")
			return nil
		}
		root, err := store.RootOf(tip)
		if err != nil {
			return err
		}
		versions, err := store.Versions()
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "backend      %s\n", e.cfg.Backend)
		fmt.Fprintf(e.out, "tip          %d\n", tip)
		fmt.Fprintf(e.out, "root         %s\n", root.Hex())
		fmt.Fprintf(e.out, "pruned below %d\n", store.PrunedBelow())
		fmt.Fprintf(e.out, "versions     %d\n", len(versions))
		return nil
	}),
}

var getCommand = cli.Command{
	Name:      "get",
	Usage:     "read a key",
	ArgsUsage: "KEY",
	Flags:     []cli.Flag{versionFlag},
	Action: action(func(ctx *cli.Context, e *env) error {
		if ctx.NArg() != 1 {
			return cli.NewExitError("expected one key", 2)
		}
		v, err := e.version(ctx)
		if err != nil {
			return err
		}
		val, err := e.api.Store().Read([]byte(ctx.Args().First()), v)
		if err != nil {
			return err
		}
		if val == nil {
			fmt.Fprintln(e.out, "<absent>")
			return nil
		}
		fmt.Fprintf(e.out, "%q\n", val)
		return nil
	}),
}

var proveCommand = cli.Command{
	Name:      "prove",
	Usage:     "print a self-verified membership or absence proof for a key",
	ArgsUsage: "KEY",
	Flags:     []cli.Flag{versionFlag},
	Action: action(func(ctx *cli.Context, e *env) error {
		if ctx.NArg() != 1 {
			return cli.NewExitError("expected one key", 2)
		}
		v, err := e.version(ctx)
		if err != nil {
			return err
		}
		key := []byte(ctx.Args().First())
		val, proof, err := e.api.Store().Prove(key, v)
		if err != nil {
			return err
		}
		root, err := e.api.Store().RootOf(v)
		if err != nil {
			return err
		}
		if err := trie.VerifyProof(root, key, val, proof); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "version %d root %s\n", v, root.Hex())
		if val == nil {
			fmt.Fprintln(e.out, "value <absent>")
		} else {
			fmt.Fprintf(e.out, "value %q\n", val)
		}
		fmt.Fprintf(e.out, "proof %s\n", hex.EncodeToString(proof.Encode()))
		return nil
	}),
}

var applyCommand = cli.Command{
	Name:  "apply",
	Usage: "execute a batch of ledger transactions on the tip and finalize it",
	ArgsUsage: "OP...\n\n   ops: set:KEY=VALUE delete:KEY mint:ACCOUNT=AMOUNT transfer:FROM>TO=AMOUNT\n" +
		"        blob:KEY=DA_INDEX fail:KEY",
	Flags: []cli.Flag{
		cli.StringSliceFlag{Name: "da", Usage: "file to use as the next DA blob"},
		cli.StringFlag{Name: "proof", Usage: "also prove the batch and write the proof here"},
		cli.BoolFlag{Name: "dry-run", Usage: "discard the candidate instead of finalizing it"},
	},
	Action: action(func(ctx *cli.Context, e *env) error {
		txs, err := parseOps(ctx.Args())
		if err != nil {
			return cli.NewExitError(err.Error(), 2)
		}
		var da []state_transition.DARef
		for _, path := range ctx.StringSlice("da") {
			da = append(da, []byte(path))
		}
		tip, err := e.tip()
		if err != nil {
			return err
		}
		runner := e.api.NewRunner(ledger.Executor{}, fileFetcher{})
		id, res, err := e.api.BuildCandidate(snapshots.AtVersion(tip), runner, da, txs)
		if err != nil {
			return err
		}
		for _, r := range res.Receipts {
			if r.Success {
				fmt.Fprintf(e.out, "tx %d ok, %d writes\n", r.Index, r.Writes)
			} else {
				fmt.Fprintf(e.out, "tx %d failed: %s\n", r.Index, r.Error)
			}
		}
		if path := ctx.String("proof"); path != "" {
			proof, _, err := e.api.ProveTransition(tip, ledger.Executor{}, fileFetcher{},
				state_transition.MockProver{Executor: ledger.Executor{}}, da, txs)
			if err != nil {
				return err
			}
			if err := ioutil.WriteFile(path, proof, 0o644); err != nil {
				return errors.Wrap(err, "write proof")
			}
		}
		if ctx.Bool("dry-run") {
			fmt.Fprintf(e.out, "candidate root %s\n", res.Output.NewRoot.Hex())
			return e.api.Snapshots().Discard(id)
		}
		v, root, err := e.api.Snapshots().Finalize(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "version %d root %s\n", v, root.Hex())
		return nil
	}),
}

var pruneCommand = cli.Command{
	Name:  "prune",
	Usage: "delete data only needed by versions below --below",
	Flags: []cli.Flag{
		cli.Uint64Flag{Name: "below", Usage: "oldest version to keep"},
	},
	Action: action(func(ctx *cli.Context, e *env) error {
		p := e.api.Pruner()
		p.Prune(ctx.Uint64("below"))
		p.Flush()
		if p.Failing() {
			return cli.NewExitError("prune failed, see log", 1)
		}
		fmt.Fprintf(e.out, "pruned below %d\n", p.LastPruned())
		return nil
	}),
}

var verifyCommand = cli.Command{
	Name:  "verify",
	Usage: "rehash every node of a version (all retained versions by default), or check a proof file",
	Flags: []cli.Flag{
		versionFlag,
		cli.StringFlag{Name: "proof", Usage: "proof written by apply --proof"},
	},
	Action: action(func(ctx *cli.Context, e *env) error {
		if path := ctx.String("proof"); path != "" {
			return verifyProofFile(e, path)
		}
		versions, err := e.api.Store().Versions()
		if err != nil {
			return err
		}
		if v := ctx.Int64("version"); v >= 0 {
			versions = []uint64{uint64(v)}
		}
		for _, v := range versions {
			n, err := e.api.Store().VerifyVersion(v)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "version %d ok, %d keys\n", v, n)
		}
		return nil
	}),
}

func verifyProofFile(e *env, path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read proof")
	}
	out, err := state_transition.MockVerifier{}.Verify(b)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "prev root %s\nnew root  %s\nda        %s\nchanges   %d\n",
		out.PrevRoot.Hex(), out.NewRoot.Hex(), out.DACommitment.Hex(), len(out.StateDiff))
	return nil
}

func parseOps(args []string) (txs []state_transition.Transaction, err error) {
	for _, arg := range args {
		op := strings.SplitN(arg, ":", 2)
		if len(op) != 2 {
			return nil, errors.Errorf("malformed op %q", arg)
		}
		kind, body := op[0], op[1]
		lhs, rhs, hasRHS := body, "", false
		if i := strings.Index(body, "="); i >= 0 {
			lhs, rhs, hasRHS = body[:i], body[i+1:], true
		}
		num := func() (uint64, error) {
			n, err := strconv.ParseUint(rhs, 10, 64)
			return n, errors.Wrapf(err, "op %q", arg)
		}
		switch {
		case kind == "set" && hasRHS:
			txs = append(txs, ledger.Set(lhs, rhs))
		case kind == "delete" && !hasRHS:
			txs = append(txs, ledger.Delete(lhs))
		case kind == "fail" && !hasRHS:
			txs = append(txs, ledger.Fail(lhs))
		case kind == "mint" && hasRHS:
			n, err := num()
			if err != nil {
				return nil, err
			}
			txs = append(txs, ledger.Mint(lhs, n))
		case kind == "blob" && hasRHS:
			n, err := num()
			if err != nil {
				return nil, err
			}
			txs = append(txs, ledger.SetBlob(lhs, n))
		case kind == "transfer" && hasRHS && strings.Contains(lhs, ">"):
			n, err := num()
			if err != nil {
				return nil, err
			}
			accs := strings.SplitN(lhs, ">", 2)
			txs = append(txs, ledger.Transfer(accs[0], accs[1], n))
		default:
			return nil, errors.Errorf("malformed op %q", arg)
		}
	}
	return
}

// fileFetcher resolves a DA ref as a local file path.
type fileFetcher struct{}

func (fileFetcher) Fetch(ref state_transition.DARef) ([]byte, error) {
	b, err := ioutil.ReadFile(string(ref))
	return b, errors.Wrapf(err, "DA blob %s", ref)
}
