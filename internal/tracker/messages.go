package tracker

import "fmt"

const resendPrefix = "수요예측 의견을 다시 한 번 확인해 주시기 바랍니다."

func resendText(original string) string { return resendPrefix + "\n\n" + original }

func confirmNudgeText(round string) string {
	return fmt.Sprintf("\"%s\" 수요예측 참여내역을 전송해 주시기 바랍니다.", round)
}

func repliedNotice(c Confirmation) string {
	return fmt.Sprintf("\"%s\"이 \"%s\" 수요예측 메시지를 확인했습니다.", c.Recipient, c.RoundName)
}

func confirmedNotice(c Confirmation) string {
	return fmt.Sprintf("\"%s\"의 \"%s\" 수요예측 참여내역이 접수되었습니다.", c.Recipient, c.RoundName)
}

func confirmedReply(round string) string {
	return fmt.Sprintf("\"%s\" 수요예측 참여내역이 확인되었습니다. 감사합니다.", round)
}

func badFormatReply(round string) string {
	return fmt.Sprintf("\"%s\"의 참여내역 형식이 옳지 않습니다. 확인을 위해 메시지를 다시 전송해주세요.", round)
}

func timeoutAlert(c Confirmation, from State) string {
	if from == StateReplied {
		return fmt.Sprintf("----긴급---- %s이 %s 수요예측 참여내역을 제출하지 않았습니다!", c.Recipient, c.RoundName)
	}
	return fmt.Sprintf("----긴급---- %s이 %s 수요예측 메시지를 확인하지 않았습니다!", c.Recipient, c.RoundName)
}
