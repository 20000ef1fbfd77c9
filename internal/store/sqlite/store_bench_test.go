package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/koltyakov/exposebus/internal/domain"
)

func BenchmarkLookup(b *testing.B) {
	store, err := OpenWithOptions(b.TempDir()+"/bench.db", OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if _, err := store.Register(ctx, "k_bench", "bench-route", 3000, domain.TunnelStatusOnline); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Lookup(ctx, "bench-route"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRegister(b *testing.B) {
	store, err := OpenWithOptions(b.TempDir()+"/bench.db", OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Register(ctx, "k_bench", fmt.Sprintf("t%d", i), 3000, domain.TunnelStatusOnline); err != nil {
			b.Fatal(err)
		}
	}
}
