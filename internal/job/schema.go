package job

import "github.com/xeipuuv/gojsonschema"

const languageListSchema = `{
	"type": "array",
	"minItems": 1,
	"items": {"type": "string", "pattern": "^[A-Za-z]{2,3}([-_][A-Za-z0-9]{2,8})?$"}
}`

const categorySchema = `{
	"type": "object",
	"required": ["categoryId", "name", "targetLanguages"],
	"properties": {
		"categoryId": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"sourceLanguage": {"type": "string"},
		"targetLanguages": ` + languageListSchema + `
	}
}`

const courseSchema = `{
	"type": "object",
	"required": ["courseId", "title", "targetLanguages"],
	"properties": {
		"courseId": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"sourceLanguage": {"type": "string"},
		"targetLanguages": ` + languageListSchema + `
	}
}`

const quizSchema = `{
	"type": "object",
	"required": ["quizId", "title", "targetLanguages"],
	"properties": {
		"quizId": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"instructions": {"type": "string"},
		"sourceLanguage": {"type": "string"},
		"targetLanguages": ` + languageListSchema + `
	}
}`

const questionsSchema = `{
	"type": "object",
	"required": ["questions", "targetLanguages"],
	"properties": {
		"quizId": {"type": "string"},
		"sourceLanguage": {"type": "string"},
		"targetLanguages": ` + languageListSchema + `,
		"questions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "text"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"text": {"type": "string", "minLength": 1},
					"options": {"type": "array", "items": {"type": "string"}},
					"explanation": {"type": "string"},
					"translations": {"type": "object"}
				}
			}
		}
	}
}`

// schemas are compiled once; the sources are constants so a compile error is a bug.
var schemas = map[Kind]*gojsonschema.Schema{
	KindCategory:  mustSchema(categorySchema),
	KindCourse:    mustSchema(courseSchema),
	KindQuiz:      mustSchema(quizSchema),
	KindQuestions: mustSchema(questionsSchema),
}

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic("job: invalid payload schema: " + err.Error())
	}
	return s
}
