package conformance

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rodolfodpk/grainstore/internal/testsupport"
	"github.com/rodolfodpk/grainstore/pkg/grain"
)

func drainEvents(it grain.EventIterator) []grain.Event {
	defer it.Close()
	var out []grain.Event
	for {
		ev, err := it.Next()
		Expect(err).NotTo(HaveOccurred())
		if ev == nil {
			return out
		}
		out = append(out, *ev)
	}
}

func loadStream(store grain.RowStore, id, stream string) []grain.Event {
	it, err := grain.LoadEvents(context.Background(), store, id, &stream, nil)
	Expect(err).NotTo(HaveOccurred())
	return drainEvents(it)
}

func ledgerRegistry() *grain.Registry[testsupport.Balance] {
	reg, err := grain.NewRegistry[testsupport.Balance](grain.StreamDef[testsupport.Balance]{
		Name:      "ledger",
		BaseMatch: func(any) bool { return true },
		Handlers:  []grain.HandlerBinding[testsupport.Balance]{{Handle: testsupport.FoldBalance}},
	})
	Expect(err).NotTo(HaveOccurred())
	return reg
}

func activate(store grain.RowStore, id string, reg *grain.Registry[testsupport.Balance]) *grain.Grain[testsupport.Balance] {
	g, err := grain.Activate(context.Background(), store, id, reg, testsupport.BalanceCodec{}, testsupport.JSONEventCodec{}, testsupport.Balance{}, grain.EngineConfig{})
	Expect(err).NotTo(HaveOccurred())
	return g
}

var _ = Describe("Backend conformance", func() {
	for _, backend := range backendNames {
		backend := backend

		Context("on "+backend, func() {
			var (
				store grain.RowStore
				ctx   context.Context
			)

			BeforeEach(func() {
				store = openStore(backend)
				ctx = context.Background()
			})

			It("appends linearly and reads back in order", func() {
				id := grain.NewGrainID("acct")
				g := activate(store, id, ledgerRegistry())

				_, err := g.Submit(ctx, []any{
					testsupport.Deposited{Amount: 1},
					testsupport.Deposited{Amount: 2},
					testsupport.Deposited{Amount: 3},
				})
				Expect(err).NotTo(HaveOccurred())

				events := loadStream(store, id, "ledger")
				Expect(events).To(HaveLen(3))
				for i, ev := range events {
					Expect(ev.Sequence).To(Equal(int64(i)))
					Expect(ev.Type).To(Equal("Deposited"))
					var d testsupport.Deposited
					Expect(json.Unmarshal(ev.Data, &d)).To(Succeed())
					Expect(d.Amount).To(Equal(i + 1))
				}

				meta, err := grain.LoadProjection(ctx, store, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(meta).NotTo(BeNil())
				Expect(meta.NextSequence).To(Equal(int64(3)))
				Expect(meta.EventCount).To(Equal(int64(3)))

				var bal testsupport.Balance
				Expect(json.Unmarshal(meta.Data, &bal)).To(Succeed())
				Expect(bal.Amount).To(Equal(6))
			})

			It("interleaves handler-appended events depth-first", func() {
				reg, err := grain.NewRegistry[testsupport.Balance](grain.StreamDef[testsupport.Balance]{
					Name:      "ledger",
					BaseMatch: func(any) bool { return true },
					Handlers: []grain.HandlerBinding[testsupport.Balance]{{
						Handle: func(event any, projection testsupport.Balance, hctx *grain.HandlerContext) (testsupport.Balance, error) {
							if d, ok := event.(testsupport.Deposited); ok && d.Amount >= 100 {
								hctx.Append(testsupport.Noted{Text: "large deposit"})
							}
							return testsupport.FoldBalance(event, projection, hctx)
						},
					}},
				})
				Expect(err).NotTo(HaveOccurred())

				id := grain.NewGrainID("acct")
				g := activate(store, id, reg)
				next, err := g.Submit(ctx, []any{
					testsupport.Deposited{Amount: 100},
					testsupport.Withdrawn{Amount: 10},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(next.Amount).To(Equal(90))

				events := loadStream(store, id, "ledger")
				Expect(events).To(HaveLen(3))
				Expect(events[0].Type).To(Equal("Deposited"))
				Expect(events[1].Type).To(Equal("Noted"))
				Expect(events[2].Type).To(Equal("Withdrawn"))
			})

			It("fails exactly one of two saves racing on the same version token", func() {
				id := grain.NewGrainID("acct")
				coord := grain.NewSaveCoordinator(store, grain.EngineConfig{})

				meta, err := coord.Save(ctx, grain.SaveOperation{
					GrainID:        id,
					Projection:     grain.ProjectionMeta{NextSequence: 0},
					ProjectionData: []byte(`{}`),
				})
				Expect(err).NotTo(HaveOccurred())

				mkOp := func(eventID string) grain.SaveOperation {
					return grain.SaveOperation{
						GrainID:        id,
						Projection:     grain.ProjectionMeta{NextSequence: 1, EventCount: 1, VersionToken: meta.VersionToken},
						ProjectionData: []byte(`{}`),
						Writes: []grain.StreamWrite{{
							StreamName: "ledger",
							Entries: []grain.StreamEntry{{
								IsNew: true,
								Event: grain.Event{ID: eventID, Type: "Noted", Data: []byte(`{}`), Sequence: 0},
							}},
						}},
					}
				}

				_, err = coord.Save(ctx, mkOp("winner"))
				Expect(err).NotTo(HaveOccurred())
				_, err = coord.Save(ctx, mkOp("loser"))
				Expect(err).To(HaveOccurred())
				Expect(grain.IsConcurrencyConflictError(err)).To(BeTrue())
			})

			It("reconciles a conflicting handle by reload-and-reapply", func() {
				id := grain.NewGrainID("acct")
				reg := ledgerRegistry()
				a := activate(store, id, reg)
				b := activate(store, id, reg)

				_, err := a.Submit(ctx, []any{testsupport.Deposited{Amount: 1}})
				Expect(err).NotTo(HaveOccurred())
				next, err := b.Submit(ctx, []any{testsupport.Deposited{Amount: 2}})
				Expect(err).NotTo(HaveOccurred())
				Expect(next.Amount).To(Equal(3))

				events := loadStream(store, id, "ledger")
				Expect(events).To(HaveLen(2))
				Expect(events[0].Sequence).To(Equal(int64(0)))
				Expect(events[1].Sequence).To(Equal(int64(1)))
			})

			It("assigns strictly increasing sequences across submits", func() {
				id := grain.NewGrainID("acct")
				g := activate(store, id, ledgerRegistry())
				for i := 0; i < 3; i++ {
					_, err := g.Submit(ctx, []any{
						testsupport.Deposited{Amount: 1},
						testsupport.Withdrawn{Amount: 1},
					})
					Expect(err).NotTo(HaveOccurred())
				}

				events := loadStream(store, id, "ledger")
				Expect(events).To(HaveLen(6))
				for i := 1; i < len(events); i++ {
					Expect(events[i].Sequence).To(BeNumerically(">", events[i-1].Sequence))
				}
			})

			It("retains only the most recent keep_count events and converges event_count", func() {
				keep := 2
				reg, err := grain.NewRegistry[testsupport.Balance](grain.StreamDef[testsupport.Balance]{
					Name:      "ledger",
					BaseMatch: func(any) bool { return true },
					Handlers:  []grain.HandlerBinding[testsupport.Balance]{{Handle: testsupport.FoldBalance}},
					Retention: &grain.RetentionPolicy{KeepCount: &keep},
				})
				Expect(err).NotTo(HaveOccurred())

				id := grain.NewGrainID("acct")
				g := activate(store, id, reg)
				for i := 1; i <= 5; i++ {
					_, err := g.Submit(ctx, []any{testsupport.Deposited{Amount: i}})
					Expect(err).NotTo(HaveOccurred())
				}

				events := loadStream(store, id, "ledger")
				Expect(events).To(HaveLen(2))
				Expect(events[0].Sequence).To(Equal(int64(3)))
				Expect(events[1].Sequence).To(Equal(int64(4)))

				meta, err := grain.LoadProjection(ctx, store, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(meta.EventCount).To(Equal(int64(2)))
				Expect(meta.NextSequence).To(Equal(int64(5)), "retention never reuses sequences")
			})

			It("keeps one event per key under distinct_by_key retention", func() {
				reg, err := grain.NewRegistry[testsupport.Balance](grain.StreamDef[testsupport.Balance]{
					Name:      "ledger",
					BaseMatch: func(any) bool { return true },
					Handlers:  []grain.HandlerBinding[testsupport.Balance]{{Handle: testsupport.FoldBalance}},
					Retention: &grain.RetentionPolicy{DistinctByKey: func(e grain.Event) string { return e.Type }},
				})
				Expect(err).NotTo(HaveOccurred())

				id := grain.NewGrainID("acct")
				g := activate(store, id, reg)
				_, err = g.Submit(ctx, []any{
					testsupport.Deposited{Amount: 1},
					testsupport.Deposited{Amount: 2},
					testsupport.Withdrawn{Amount: 1},
					testsupport.Deposited{Amount: 3},
				})
				Expect(err).NotTo(HaveOccurred())

				events := loadStream(store, id, "ledger")
				Expect(events).To(HaveLen(2), "one per distinct key, the latest by sequence")
				Expect(events[0].Type).To(Equal("Withdrawn"))
				Expect(events[1].Type).To(Equal("Deposited"))
				Expect(events[1].Sequence).To(Equal(int64(3)))
			})

			It("re-delivers pending reactor work after a crash before status persistence", func() {
				rec := testsupport.NewRecordingReactor(0)
				newReg := func() *grain.Registry[testsupport.Balance] {
					reg, err := grain.NewRegistry[testsupport.Balance](grain.StreamDef[testsupport.Balance]{
						Name:      "ledger",
						BaseMatch: func(any) bool { return true },
						Handlers:  []grain.HandlerBinding[testsupport.Balance]{{Handle: testsupport.FoldBalance}},
						Reactors: []grain.ReactorSpec{{
							ID:      "notify",
							Matches: grain.TypeMatcher[testsupport.Deposited](),
							React:   rec.Func(),
						}},
					})
					Expect(err).NotTo(HaveOccurred())
					return reg
				}

				id := grain.NewGrainID("acct")

				// The "crash": persist the primary batch without ever running
				// the dispatch step, leaving both states pending on disk.
				proc := grain.NewProcessor[testsupport.Balance](newReg(), store, testsupport.BalanceCodec{}, testsupport.JSONEventCodec{})
				meta, current, err := proc.Load(ctx, id, testsupport.Balance{})
				Expect(err).NotTo(HaveOccurred())
				op, _, err := proc.Apply(ctx, id, meta, current, []any{
					testsupport.Deposited{Amount: 1},
					testsupport.Deposited{Amount: 2},
				})
				Expect(err).NotTo(HaveOccurred())
				coord := grain.NewSaveCoordinator(store, grain.EngineConfig{})
				_, err = coord.Save(ctx, op)
				Expect(err).NotTo(HaveOccurred())

				for _, ev := range loadStream(store, id, "ledger") {
					Expect(ev.ReactorStatus).To(HaveLen(1))
					Expect(ev.ReactorStatus[0].Status).To(Equal(grain.ReactorPending))
				}

				// Restart: the next submit re-delivers both, then persists
				// the terminal state.
				g := activate(store, id, newReg())
				_, err = g.Submit(ctx, []any{testsupport.Noted{Text: "tick"}})
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Invocations()).To(Equal(1))
				Expect(rec.Batches()[0]).To(HaveLen(2))

				for _, ev := range loadStream(store, id, "ledger") {
					if ev.Type != "Deposited" {
						continue
					}
					Expect(ev.ReactorStatus[0].Status).To(Equal(grain.ReactorCompleteSuccessful))
				}
			})

			It("deletes until_processed events once every reactor completes", func() {
				ok := func(context.Context, []grain.Event, []byte) error { return nil }
				reg, err := grain.NewRegistry[testsupport.Balance](grain.StreamDef[testsupport.Balance]{
					Name:      "outbox",
					BaseMatch: grain.TypeMatcher[testsupport.Noted](),
					Handlers: []grain.HandlerBinding[testsupport.Balance]{{
						Handle: testsupport.FoldBalance,
					}},
					Reactors: []grain.ReactorSpec{
						{ID: "relay", Matches: grain.TypeMatcher[testsupport.Noted](), React: ok},
						{ID: "archive", Matches: grain.TypeMatcher[testsupport.Noted](), React: ok},
					},
					Retention: &grain.RetentionPolicy{UntilProcessed: true},
				})
				Expect(err).NotTo(HaveOccurred())

				id := grain.NewGrainID("acct")
				g := activate(store, id, reg)
				_, err = g.Submit(ctx, []any{testsupport.Noted{Text: "deliver me"}})
				Expect(err).NotTo(HaveOccurred())

				Expect(loadStream(store, id, "outbox")).To(BeEmpty(),
					"both reactors completed, so the status save's sweep prunes the event")

				meta, err := grain.LoadProjection(ctx, store, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(meta.EventCount).To(BeZero())
			})
		})
	}
})
