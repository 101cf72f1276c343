package utils

// ExtractKeywords tokenizes a query containing Chinese and/or English
// content into search terms, filtering common stop words.
//
// It handles CJK characters (0x4e00-0x9fff), ASCII letters and digits.
// If nothing survives filtering, the original query is returned as a
// single term so the caller always has something to match on.
func ExtractKeywords(query string) []string {
	stopWords := map[string]bool{
		"的": true, "了": true, "在": true, "是": true, "我": true, "有": true, "和": true,
		"就": true, "不": true, "人": true, "都": true, "一": true, "一个": true, "上": true,
		"也": true, "很": true, "到": true, "说": true, "要": true, "去": true, "你": true,
		"会": true, "着": true, "没有": true, "看": true, "好": true, "自己": true, "这": true,
		"the": true, "a": true, "an": true, "is": true, "of": true, "to": true, "and": true,
	}

	var keywords []string
	var currentWord []rune

	flush := func() {
		if len(currentWord) == 0 {
			return
		}
		word := string(currentWord)
		if len(word) > 1 && !stopWords[word] {
			keywords = append(keywords, word)
		} else if len(word) == 1 && isASCIILetter(currentWord[0]) {
			// Keep single letters that may be part of an acronym
			keywords = append(keywords, word)
		}
		currentWord = nil
	}

	for _, r := range query {
		if (r >= 0x4e00 && r <= 0x9fff) || isASCIILetter(r) || (r >= '0' && r <= '9') {
			currentWord = append(currentWord, r)
		} else {
			flush()
		}
	}
	flush()

	if len(keywords) == 0 && len(query) > 0 {
		keywords = append(keywords, query)
	}

	return keywords
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
