package resultstore

import (
	"strings"

	"github.com/libsize/server/internal/pipeline"
)

// table is one exported result table. rows emits values in column order; the run id
// column is added by the SQLite writer only.
type table struct {
	name    string
	columns []string
	rows    func(batch *pipeline.BatchResult, emit func(vals ...interface{}) error) error
}

func (t table) insertSQL() string {
	marks := strings.Repeat(", ?", len(t.columns))
	return "INSERT INTO " + t.name + " (run_id, " + strings.Join(t.columns, ", ") + ") VALUES (?" + marks + ")"
}

// succeeded yields completed samples in batch order.
func succeeded(batch *pipeline.BatchResult, fn func(res *pipeline.SampleResult) error) error {
	for _, id := range batch.Succeeded() {
		if err := fn(batch.Samples[id]); err != nil {
			return err
		}
	}
	return nil
}

var tables = []table{
	{
		name:    "bins",
		columns: []string{"sample_id", "row", "col", "x", "y", "ntranscripts", "ncells", "ndetections", "region"},
		rows: func(batch *pipeline.BatchResult, emit func(...interface{}) error) error {
			for _, id := range batch.Order {
				for _, b := range batch.Samples[id].Bins {
					if err := emit(id, b.Row, b.Col, b.X, b.Y, b.NTranscripts, b.NCells, b.NDetections, b.Region); err != nil {
						return err
					}
				}
			}
			return nil
		},
	},
	{
		name:    "coefficients",
		columns: []string{"sample_id", "term", "estimate", "std_error", "z_value", "p_value", "estimable"},
		rows: func(batch *pipeline.BatchResult, emit func(...interface{}) error) error {
			return succeeded(batch, func(res *pipeline.SampleResult) error {
				m := res.Model
				for j, name := range m.Names {
					if err := emit(res.SampleID, name, m.Coefficients[j], m.StdErrors[j], m.ZValues[j], m.PValues[j], m.Estimable[j]); err != nil {
						return err
					}
				}
				return nil
			})
		},
	},
	{
		name:    "residuals",
		columns: []string{"sample_id", "row", "col", "observed", "fitted", "pearson", "deviance"},
		rows: func(batch *pipeline.BatchResult, emit func(...interface{}) error) error {
			return succeeded(batch, func(res *pipeline.SampleResult) error {
				m := res.Model
				for i, b := range res.Design.Bins {
					if err := emit(res.SampleID, b.Row, b.Col, m.Y[i], m.Fitted[i], m.PearsonResiduals[i], m.DevianceResiduals[i]); err != nil {
						return err
					}
				}
				return nil
			})
		},
	},
	{
		name:    "effects",
		columns: []string{"sample_id", "region", "slope", "intercept", "log_slope", "log_intercept", "estimable"},
		rows: func(batch *pipeline.BatchResult, emit func(...interface{}) error) error {
			return succeeded(batch, func(res *pipeline.SampleResult) error {
				for _, e := range res.Effects {
					if err := emit(res.SampleID, e.Region, e.Slope, e.Intercept, e.LogSlope, e.LogIntercept, e.Estimable); err != nil {
						return err
					}
				}
				return nil
			})
		},
	},
	{
		name:    "anova",
		columns: []string{"sample_id", "term", "statistic", "df", "df_residual", "p_value", "test"},
		rows: func(batch *pipeline.BatchResult, emit func(...interface{}) error) error {
			return succeeded(batch, func(res *pipeline.SampleResult) error {
				for _, r := range res.ANOVA {
					if err := emit(res.SampleID, r.Term, r.Statistic, r.DF, r.DFResidual, r.PValue, r.Test); err != nil {
						return err
					}
				}
				return nil
			})
		},
	},
	{
		name:    "failures",
		columns: []string{"sample_id", "stage", "kind", "error"},
		rows: func(batch *pipeline.BatchResult, emit func(...interface{}) error) error {
			for _, f := range batch.Failures() {
				if err := emit(f.SampleID, string(f.Stage), string(f.Kind), f.Error); err != nil {
					return err
				}
			}
			return nil
		},
	},
}
