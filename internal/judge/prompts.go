package judge

import (
	"fmt"

	"github.com/sells-group/mission-council/internal/model"
)

// BuildPromptBundle returns the per-judge instructions for a mission. The
// bundle is built once per submission and shared by every judge.
func BuildPromptBundle(missionType model.MissionType, answer string) model.PromptBundle {
	if missionType == model.MissionTypeAtmosphere {
		return model.PromptBundle{
			"blip": {
				System: "이미지 분위기를 설명 가능한 텍스트로 분해한다.",
				User:   fmt.Sprintf("목표 감성은 '%s' 이다. 이미지 분위기를 설명하고 부합 여부를 판단하라.", answer),
			},
			"clip": {
				System: "감성 키워드와 이미지 의미 유사도를 계산한다.",
				User:   fmt.Sprintf("'%s' 감성과 이미지의 의미 유사도를 점수로 산출하라.", answer),
			},
			"qwen": {
				System: "분위기 판정관으로 근거와 함께 정답 부합 여부를 판단한다.",
				User:   fmt.Sprintf("목표 감성: %s. 입력 설명을 읽고 JSON {label,score,confidence,reason}으로 답하라.", answer),
			},
			"siglip2": {
				System: "이미지-텍스트 임베딩 정렬로 감성 부합도를 계산한다.",
				User:   fmt.Sprintf("'%s' 감성 텍스트와 이미지 유사도를 계산한다.", answer),
			},
		}
	}

	return model.PromptBundle{
		"blip": {
			System: "랜드마크의 세부 속성(객체, 자세, 재질, 색상)을 확인한다.",
			User:   fmt.Sprintf("정답 랜드마크는 '%s' 이다. 이미지에서 해당 장소가 맞는지 검증하라.", answer),
		},
		"clip": {
			System: "이미지-텍스트 유사도 관점으로 장소 후보를 비교한다.",
			User:   fmt.Sprintf("'%s'와 이미지가 의미적으로 얼마나 유사한지 점수화하라.", answer),
		},
		"qwen": {
			System: "비전 판정관으로서 증거 기반 yes/no를 반환한다.",
			User:   fmt.Sprintf("목표 장소: %s. 입력된 시각 설명을 보고 JSON {label,score,confidence,reason}으로 답하라.", answer),
		},
		"siglip2": {
			System: "대조학습 임베딩 관점에서 장소 텍스트와 이미지 정합성을 본다.",
			User:   fmt.Sprintf("'%s' 텍스트와 이미지 임베딩 정합 점수를 계산한다.", answer),
		},
	}
}
