package config

import "testing"

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("FromEnv: %v", err)
		}
		if cfg.ListenAddr != ":8080" {
			t.Errorf("ListenAddr = %q", cfg.ListenAddr)
		}
		if cfg.MongoDatabase != "synapse" || cfg.SQLitePath != "synapse.db" {
			t.Errorf("store defaults = %q, %q", cfg.MongoDatabase, cfg.SQLitePath)
		}
		if cfg.MaxContextTokens != 8000 || cfg.SummaryCushionTokens != 1000 {
			t.Errorf("token defaults = %d, %d", cfg.MaxContextTokens, cfg.SummaryCushionTokens)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("SYNAPSE_LISTEN_ADDR", ":9999")
		t.Setenv("MAX_CONTEXT_TOKENS", "123")
		t.Setenv("SYNAPSE_TOOL_SERVERS", `[{"name":"history","command":"history-server","enabled":true}]`)

		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("FromEnv: %v", err)
		}
		if cfg.ListenAddr != ":9999" {
			t.Errorf("ListenAddr = %q", cfg.ListenAddr)
		}
		if cfg.MaxContextTokens != 123 {
			t.Errorf("MaxContextTokens = %d", cfg.MaxContextTokens)
		}
		if len(cfg.ToolServers) != 1 || cfg.ToolServers[0].Name != "history" {
			t.Errorf("ToolServers = %+v", cfg.ToolServers)
		}
	})

	t.Run("malformed values", func(t *testing.T) {
		t.Setenv("MAX_CONTEXT_TOKENS", "lots")
		if _, err := FromEnv(); err == nil {
			t.Error("bad integer accepted")
		}
	})
}
