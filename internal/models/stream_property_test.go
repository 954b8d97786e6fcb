package models

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var requiredFields = []string{
	FieldFilePath,
	FieldOutPath,
	FieldProjectID,
	FieldReqTime,
	FieldQueueID,
	FieldVersionNo,
	FieldLogFileName,
	FieldProjCreatedTime,
}

// genCompileJob generates a CompileJob whose string fields are safe path components.
func genCompileJob() gopter.Gen {
	return gopter.CombineGens(
		gen.Int64Range(1, 1<<40),         // QueueID
		gen.Identifier(),                 // ProjectID
		gen.Identifier(),                 // source stem
		gen.Identifier(),                 // OutputPath
		gen.Identifier(),                 // VersionTag
		gen.Identifier(),                 // log stem
		gen.Int64Range(0, 4102444800000), // ProjectCreatedAt
		gen.Int64Range(0, 4102444800000), // RequestedAt
	).Map(func(vals []interface{}) CompileJob {
		return CompileJob{
			QueueID:          vals[0].(int64),
			ProjectID:        vals[1].(string),
			SourceFilePath:   "/src/" + vals[2].(string) + ".tex",
			OutputPath:       vals[3].(string),
			VersionTag:       vals[4].(string),
			LogFileName:      vals[5].(string) + ".log",
			ProjectCreatedAt: vals[6].(int64),
			RequestedAt:      vals[7].(int64),
		}
	})
}

// **Property: stream entries produced from a job parse back to the same job**
func TestParseCompileJobProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("parse(values(job)) == job", prop.ForAll(
		func(job CompileJob) bool {
			parsed, err := ParseCompileJob(job.StreamValues())
			if err != nil {
				return false
			}
			return *parsed == job
		},
		genCompileJob(),
	))

	properties.Property("any missing required field is rejected", prop.ForAll(
		func(job CompileJob, idx int) bool {
			values := job.StreamValues()
			delete(values, requiredFields[idx])
			_, err := ParseCompileJob(values)
			return errors.Is(err, ErrMissingField)
		},
		genCompileJob(),
		gen.IntRange(0, len(requiredFields)-1),
	))

	properties.Property("byte-slice values parse like strings", prop.ForAll(
		func(job CompileJob) bool {
			values := make(map[string]interface{})
			for k, v := range job.StreamValues() {
				values[k] = []byte(v.(string))
			}
			parsed, err := ParseCompileJob(values)
			return err == nil && *parsed == job
		},
		genCompileJob(),
	))

	properties.TestingRun(t)
}

func TestParseCompileJob_InvalidValues(t *testing.T) {
	base := CompileJob{
		QueueID:          42,
		ProjectID:        "p1",
		SourceFilePath:   "main.tex",
		OutputPath:       "out",
		VersionTag:       "latest",
		LogFileName:      "compile.log",
		ProjectCreatedAt: 1700000000000,
		RequestedAt:      1700000000000,
	}

	tests := []struct {
		name  string
		field string
		value interface{}
	}{
		{"non numeric qid", FieldQueueID, "forty-two"},
		{"non numeric created time", FieldProjCreatedTime, "yesterday"},
		{"traversal in project id", FieldProjectID, "../etc"},
		{"slash in log file name", FieldLogFileName, "a/b.log"},
		{"dot-dot log file name", FieldLogFileName, ".."},
		{"unsupported type", FieldOutPath, 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := base.StreamValues()
			values[tt.field] = tt.value
			_, err := ParseCompileJob(values)
			if !errors.Is(err, ErrInvalidField) {
				t.Fatalf("ParseCompileJob() error = %v, want ErrInvalidField", err)
			}
		})
	}
}

func TestCompileJob_Names(t *testing.T) {
	tests := []struct {
		path     string
		base     string
		artifact string
	}{
		{"main.tex", "main.tex", "main.pdf"},
		{"/data/p1/chapters/thesis.tex", "thesis.tex", "thesis.pdf"},
		{"chapters\\report.tex", "report.tex", "report.pdf"},
		{"README", "README", "README.pdf"},
	}
	for _, tt := range tests {
		job := CompileJob{SourceFilePath: tt.path}
		if got := job.SourceBaseName(); got != tt.base {
			t.Errorf("SourceBaseName(%q) = %q, want %q", tt.path, got, tt.base)
		}
		if got := job.ArtifactName(); got != tt.artifact {
			t.Errorf("ArtifactName(%q) = %q, want %q", tt.path, got, tt.artifact)
		}
	}
}

func TestAPIResponse_Successful(t *testing.T) {
	tests := []struct {
		resp APIResponse[string]
		want bool
	}{
		{APIResponse[string]{ResultCode: "200"}, true},
		{APIResponse[string]{ResultCode: "500", StatusCode: "200"}, false},
		{APIResponse[string]{StatusCode: "200"}, true},
		{APIResponse[string]{}, false},
	}
	for i, tt := range tests {
		if got := tt.resp.Successful(); got != tt.want {
			t.Errorf("case %d: Successful() = %v, want %v", i, got, tt.want)
		}
	}
}
