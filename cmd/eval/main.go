// Command eval runs a single, non-training game against a loaded
// checkpoint: either two MCTS searchers facing off, or a human picking
// moves by index from the printed legal-action list against the
// searcher. Grounded on the teacher's
// cmd/infer/main.go (load checkpoint, alternate Search/human-move
// loop, ShowBoard), generalized from Alphabeth's chess-only
// CurrentAgent.Search to a standalone mcts.Searcher over an
// *actor.Actor built directly against a single-replica model.Manager
// (no Context/batchexec fan-out: spec.md §4.7's "eval mode uses a
// simpler single-game loop").
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/selfplay/core/actor"
	"github.com/selfplay/core/game"
	"github.com/selfplay/core/mcts"
	"github.com/selfplay/core/model"
	"github.com/selfplay/core/selfplay"
)

type CLI struct {
	ModelPath string `kong:"default='checkpoint',help='Directory containing the trained checkpoint'"`
	Human     bool   `kong:"default='false',help='Play interactively against the loaded model instead of self-play'"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("eval"),
		kong.Description("Single-game evaluation: self-play or human-vs-model"),
		kong.UsageOnError(),
	)

	logger := log.Default().WithPrefix("cmd.eval")

	meta, err := selfplay.LoadMeta(cli.ModelPath)
	kctx.FatalIfErrorf(err)

	mgr, err := model.NewManager(model.Config{
		Net:         meta.NNConf,
		NumReplicas: 1,
		ReplayCap:   1,
		ReplaySeed:  1,
	})
	kctx.FatalIfErrorf(err)

	if err := selfplay.LoadCheckpoint(cli.ModelPath, mgr); err != nil {
		kctx.FatalIfErrorf(err)
	}
	go mgr.ActThread(0)

	act, err := actor.New(mgr, 0, meta.NNConf, 0, true, true)
	kctx.FatalIfErrorf(err)

	opt := meta.MCTSConf
	if opt.NumRolloutPerThread == 0 {
		opt = mcts.DefaultOption()
	}
	tree := mcts.NewPersistentTree(mcts.New(act, opt))

	g := game.NewChessGame()
	ctx := context.Background()
	input := bufio.NewScanner(os.Stdin)

	for !g.Terminated() {
		if cli.Human && g.CurrentPlayer() == 1 {
			g.ShowBoard()
			legal := g.LegalActions()
			for i, a := range legal {
				fmt.Printf("  [%d] plane=%d y=%d x=%d\n", i, a.Plane, a.Y, a.X)
			}
			fmt.Println("your move (index from the list above):")
			idx := parseSpecialAction(input, len(legal))
			if idx < 0 {
				logger.Info("no matching legal move, forfeiting")
				break
			}
			g.Forward(idx)
			continue
		}

		result, err := tree.Search(ctx, g)
		if err != nil {
			logger.Error("search failed", "err", err)
			break
		}
		g.Forward(result.BestAction.Index)
		tree.Advance(result.BestAction.Index)
		g.ShowBoard()
	}

	fmt.Printf("status: %s\n", g.Status())
}

// parseSpecialAction reads one line of input and returns the legal-
// action index it names, or -1 on EOF / an out-of-range entry. "resign"
// is accepted as a special action per spec.md §4.7's resignation rule,
// also returning -1 so the caller forfeits the game.
func parseSpecialAction(input *bufio.Scanner, numLegal int) int {
	if !input.Scan() {
		return -1
	}
	text := strings.TrimSpace(input.Text())
	if text == "resign" {
		return -1
	}
	idx, err := strconv.Atoi(text)
	if err != nil || idx < 0 || idx >= numLegal {
		return -1
	}
	return idx
}
