package memory

import (
	"math"
	"regexp"
	"strings"
)

var termPattern = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

var stopWords = buildStopWords(
	// Spanish
	"de la que el en y a los del se las por un para con no una su al lo como más pero sus le ya o este "+
		"sí porque esta entre cuando muy sin sobre también me hasta hay donde quien desde todo nos durante "+
		"todos uno les ni contra otros ese eso ante ellos e esto mí antes algunos qué unos yo otro otras otra "+
		"él tanto esa estos mucho quienes nada muchos cual poco ella estar estas algunas algo nosotros mi mis "+
		"tú te ti tu tus ellas nosotras vosotros vosotras os mío mía míos mías tuyo tuya tuyos tuyas suyo suya "+
		"suyos suyas nuestro nuestra nuestros nuestras es son fue era ser está están cuál cuáles cómo",
	// English
	"a about above after again against all am an and any are as at be because been before being below "+
		"between both but by can did do does doing down during each few for from further had has have having "+
		"he her here hers herself him himself his how i if in into is it its itself just me more most my myself "+
		"no nor not now of off on once only or other our ours ourselves out over own same she should so some "+
		"such than that the their theirs them themselves then there these they this those through to too under "+
		"until up very was we were what when where which while who whom why will with you your yours yourself",
)

func buildStopWords(lists ...string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, l := range lists {
		for _, w := range strings.Fields(l) {
			out[w] = struct{}{}
		}
	}
	return out
}

func tokenize(text string) []string {
	raw := termPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := stopWords[t]; !stop {
			out = append(out, t)
		}
	}
	return out
}

// TFIDFSimilarity fits a TF-IDF model on exactly the two texts and returns the
// cosine similarity of their vectors. Smooth idf, l2 norm. Texts without any
// indexable term score zero.
func TFIDFSimilarity(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	tfA, tfB := termCounts(ta), termCounts(tb)

	// n = 2 documents: idf = ln((1+n)/(1+df)) + 1
	idf := func(term string) float64 {
		df := 0
		if _, ok := tfA[term]; ok {
			df++
		}
		if _, ok := tfB[term]; ok {
			df++
		}
		return math.Log(3.0/float64(1+df)) + 1
	}

	var dot, normA, normB float64
	for term, c := range tfA {
		w := float64(c) * idf(term)
		normA += w * w
		if cb, ok := tfB[term]; ok {
			dot += w * float64(cb) * idf(term)
		}
	}
	for term, c := range tfB {
		w := float64(c) * idf(term)
		normB += w * w
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func termCounts(tokens []string) map[string]int {
	m := make(map[string]int, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}
