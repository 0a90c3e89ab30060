// Package ingestion loads medical records, splits them into capped chunks,
// embeds them on a worker pool and writes them to the vector store. Every
// completed run rebuilds the lexical index over the full corpus and
// publishes it under a new index version.
//
// # Usage
//
//	p, err := ingestion.NewPipeline(stores.Chunks, stores.Meta, embedder, holder)
//	if err != nil {
//	    return err
//	}
//	defer p.Release()
//
//	f, _ := os.Open("medical.jsonl")
//	report, err := p.Ingest(ctx, ingestion.Documents(f))
//
// Records that fail to parse or validate are skipped and listed in the
// Report; they never abort the run. Re-ingesting an unchanged corpus
// writes nothing and keeps the index version.
package ingestion
