package ai

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

const (
	explicitConfidence = 0.9
	keywordConfidence  = 0.7
	keywordStep        = 0.05
	keywordCeiling     = 0.85
	nameConfidence     = 0.6
	floorConfidence    = 0.3
)

// techniqueIDPattern matches ATT&CK ids as written in rule tags (attack.t1059.001) or text
var techniqueIDPattern = regexp.MustCompile(`(?i)\bt(\d{4})(?:\.(\d{3}))?\b`)

// keywordIndicators maps lower-case artefacts commonly seen in rule logic to techniques
var keywordIndicators = map[string]string{
	"mimikatz":                  "T1003.001",
	"sekurlsa":                  "T1003.001",
	"lsass":                     "T1003.001",
	"minidump":                  "T1003.001",
	`hklm\sam`:                  "T1003.002",
	`hklm\security`:             "T1003.002",
	"ntds.dit":                  "T1003.003",
	"ntdsutil":                  "T1003.003",
	"dcsync":                    "T1003.006",
	"drsuapi":                   "T1003.006",
	"createremotethread":        "T1055",
	"writeprocessmemory":        "T1055",
	"virtualallocex":            "T1055",
	"loadlibrary":               "T1055.001",
	"ntunmapviewofsection":      "T1055.012",
	"process hollowing":         "T1055.012",
	"powershell":                "T1059.001",
	"-encodedcommand":           "T1059.001",
	"invoke-expression":         "T1059.001",
	"cmd.exe":                   "T1059.003",
	"/bin/bash":                 "T1059.004",
	"/bin/sh":                   "T1059.004",
	"python":                    "T1059.006",
	"mstsc":                     "T1021.001",
	"3389":                      "T1021.001",
	"psexec":                    "T1021.002",
	"admin$":                    "T1021.002",
	"frombase64string":          "T1027",
	"wmic":                      "T1047",
	"win32_process":             "T1047",
	"schtasks":                  "T1053.005",
	"wevtutil":                  "T1070.001",
	"clear-eventlog":            "T1070.001",
	"systeminfo":                "T1082",
	"certutil":                  "T1105",
	"bitsadmin":                 "T1105",
	"eventid=4625":              "T1110",
	"failed logon":              "T1110",
	"rundll32":                  "T1218.011",
	"vssadmin":                  "T1490",
	"wbadmin delete":            "T1490",
	"shadowcopy":                "T1490",
	`currentversion\run`:        "T1547.001",
	"set-mppreference":          "T1562.001",
	"disablerealtimemonitoring": "T1562.001",
	"attachment":                "T1566.001",
	"sc create":                 "T1569.002",
	"ransom":                    "T1486",
}

// KeywordMapper proposes techniques from explicit ATT&CK ids and well-known artefacts in
// the rule text. It needs no network access.
type KeywordMapper struct {
	logger *logger.Logger
}

// NewKeywordMapper creates a heuristic mapper
func NewKeywordMapper(log *logger.Logger) *KeywordMapper {
	return &KeywordMapper{logger: log.WithComponent("keyword-mapper")}
}

// ProposeTechniques returns explicit ids at high confidence and keyword-derived techniques
// at a confidence that grows with the number of distinct artefacts found
func (k *KeywordMapper) ProposeTechniques(ctx context.Context, content string) (*models.CandidateProposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byID := make(map[string]*models.TechniqueCandidate)

	for _, id := range explicitIDs(content) {
		byID[id] = &models.TechniqueCandidate{
			TechniqueID:  id,
			Confidence:   explicitConfidence,
			QualityScore: explicitConfidence,
			Rationale:    "technique id referenced by the rule",
		}
	}

	for id, hits := range keywordHits(content) {
		if _, ok := byID[id]; ok {
			continue
		}
		conf := keywordScore(len(hits))
		byID[id] = &models.TechniqueCandidate{
			TechniqueID:  id,
			Confidence:   conf,
			QualityScore: keywordConfidence,
			Rationale:    "rule logic references " + strings.Join(hits, ", "),
		}
	}

	candidates := make([]models.TechniqueCandidate, 0, len(byID))
	for _, c := range byID {
		candidates = append(candidates, *c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].TechniqueID < candidates[j].TechniqueID
	})

	k.logger.Debug().Int("candidates", len(candidates)).Msg("heuristic candidates proposed")

	return &models.CandidateProposal{Success: true, Candidates: candidates}, nil
}

// Score rates a candidate against content: explicit reference, then artefacts of the
// technique or its family, then a name mention, else a low floor
func (k *KeywordMapper) Score(ctx context.Context, content string, candidate models.TechniqueCandidate) (*models.ConfidenceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := strings.ToUpper(candidate.TechniqueID)
	for _, explicit := range explicitIDs(content) {
		if explicit == id {
			return &models.ConfidenceResult{Success: true, Confidence: explicitConfidence}, nil
		}
	}

	family := models.ParentTechniqueID(id)
	var hits int
	for hitID, words := range keywordHits(content) {
		if hitID == id || models.ParentTechniqueID(hitID) == family {
			hits += len(words)
		}
	}
	if hits > 0 {
		return &models.ConfidenceResult{Success: true, Confidence: keywordScore(hits)}, nil
	}

	if candidate.Name != "" && strings.Contains(strings.ToLower(content), strings.ToLower(candidate.Name)) {
		return &models.ConfidenceResult{Success: true, Confidence: nameConfidence}, nil
	}

	return &models.ConfidenceResult{Success: true, Confidence: floorConfidence}, nil
}

func explicitIDs(content string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range techniqueIDPattern.FindAllStringSubmatch(content, -1) {
		id := "T" + m[1]
		if m[2] != "" {
			id += "." + m[2]
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// keywordHits returns the matched artefacts per technique, sorted for stable rationales
func keywordHits(content string) map[string][]string {
	lower := strings.ToLower(content)
	hits := make(map[string][]string)
	for word, id := range keywordIndicators {
		if strings.Contains(lower, word) {
			hits[id] = append(hits[id], word)
		}
	}
	for id := range hits {
		sort.Strings(hits[id])
	}
	return hits
}

func keywordScore(hits int) float64 {
	conf := keywordConfidence + keywordStep*float64(hits-1)
	if conf > keywordCeiling {
		return keywordCeiling
	}
	return conf
}
