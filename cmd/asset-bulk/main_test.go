package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/bigkaa/asset-console/internal/bulkupload"
)

func TestPrintHelp(t *testing.T) {
	flagSet := pflag.NewFlagSet("asset-bulk", pflag.ContinueOnError)
	flagSet.StringP("feature", "f", "", "фича каталога")

	var out strings.Builder
	printHelp(&out, flagSet)
	help := out.String()

	for _, want := range []string{
		"asset-bulk: массовая загрузка данных в учёт активов.",
		"  0    загружено полностью\n",
		"  2    загружено частично\n",
		"  1    ошибка\n",
		"  130  прервано пользователем\n",
		"--feature",
	} {
		if !strings.Contains(help, want) {
			t.Errorf("справка не содержит %q:\n%s", want, help)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name  string
		state bulkupload.State
		want  int
	}{
		{"загружено полностью", bulkupload.StateDoneSuccess, 0},
		{"загружено частично", bulkupload.StateDonePartial, 2},
		{"загрузка не удалась", bulkupload.StateDoneFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitCode(tt.state)
			got := 0
			var code exitError
			if errors.As(err, &code) {
				got = code.ExitCode()
			}
			if got != tt.want {
				t.Errorf("exitCode(%s) = %d, хотели %d", tt.state, got, tt.want)
			}
		})
	}
}
